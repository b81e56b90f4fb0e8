package provider

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrUnknownProvider is returned by Lookup for ids that are not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrMissingCredentials is returned when an enabled provider has no client id or secret.
var ErrMissingCredentials = errors.New("missing provider credentials")

// reservedIDs collide with the server's own top-level routes.
var reservedIDs = []string{"sse", "mcp", "healthz", "readyz", "metrics", "oauth"}

// Registry is the read-only set of configured providers.
type Registry struct {
	providers map[string]Config
	ids       []string
}

// NewRegistry validates configs and builds a Registry from them.
// Every problem found is reported, not only the first one.
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{providers: make(map[string]Config, len(configs))}

	var errs []error
	for _, c := range configs {
		if _, dup := r.providers[c.ID]; dup {
			errs = append(errs, fmt.Errorf("provider %q: duplicate id", c.ID))
			continue
		}
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.providers[c.ID] = c.Clone()
		r.ids = append(r.ids, c.ID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slices.Sort(r.ids)
	return r, nil
}

// Lookup returns the configuration of provider id.
func (r *Registry) Lookup(id string) (Config, error) {
	c, ok := r.providers[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return c.Clone(), nil
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.ids)
}

// Validate checks that c is usable for an authorization-code flow.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		return errors.New("provider id is required")
	}
	if strings.ContainsAny(c.ID, "/?# ") {
		errs = append(errs, fmt.Errorf("id must be a single path segment"))
	}
	if slices.Contains(reservedIDs, c.ID) {
		errs = append(errs, fmt.Errorf("id %q is reserved", c.ID))
	}
	for name, raw := range map[string]string{
		"authorize_url": c.AuthorizeURL,
		"token_url":     c.TokenURL,
		"redirect_uri":  c.RedirectURI,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Subject.UserInfoURL != "" {
		if err := validateAbsoluteURL(c.Subject.UserInfoURL); err != nil {
			errs = append(errs, fmt.Errorf("subject.userinfo_url: %w", err))
		}
	}
	if c.Subject.IsZero() {
		errs = append(errs, errors.New("subject source is required"))
	}
	switch c.AuthStyle {
	case "", AuthStyleAuto, AuthStyleHeader, AuthStyleParams:
	default:
		errs = append(errs, fmt.Errorf("unknown auth_style %q", c.AuthStyle))
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		errs = append(errs, ErrMissingCredentials)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("provider %q: %w", c.ID, err)
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}
