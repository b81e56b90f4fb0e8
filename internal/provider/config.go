package provider

import (
	"maps"
	"slices"
	"strings"
)

// AuthStyle selects how client credentials are sent to the token endpoint.
type AuthStyle string

const (
	AuthStyleAuto   AuthStyle = "auto"
	AuthStyleHeader AuthStyle = "header"
	AuthStyleParams AuthStyle = "params"
)

// SubjectSource describes where the authorized account id comes from.
// Sources are tried in order: TokenField, IDTokenClaim, then UserInfoURL.
type SubjectSource struct {
	// TokenField is a gjson path into the raw token response (e.g. "team.id").
	TokenField string `yaml:"token_field,omitempty"`

	// IDTokenClaim names a claim of the OpenID id_token in the token response.
	IDTokenClaim string `yaml:"id_token_claim,omitempty"`

	// UserInfoURL is fetched with the new access token; UserInfoField is a
	// gjson path into its JSON body (e.g. "id", "0.id").
	UserInfoURL   string `yaml:"userinfo_url,omitempty"`
	UserInfoField string `yaml:"userinfo_field,omitempty"`
}

// IsZero reports whether no subject source is configured.
func (s SubjectSource) IsZero() bool {
	return s.TokenField == "" && s.IDTokenClaim == "" && s.UserInfoURL == ""
}

// Config is the endpoint and credential set of one OAuth provider.
// Values handed out by a Registry are copies and safe to keep.
type Config struct {
	ID           string   `yaml:"id"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	RedirectURI  string   `yaml:"redirect_uri"`

	// ClientSecretFile is read when ClientSecret is empty.
	ClientSecretFile string `yaml:"client_secret_file,omitempty"`

	PKCE           bool              `yaml:"pkce"`
	AuthStyle      AuthStyle         `yaml:"auth_style,omitempty"`
	ScopeSeparator string            `yaml:"scope_separator,omitempty"`
	AuthParams     map[string]string `yaml:"auth_params,omitempty"`
	Subject        SubjectSource     `yaml:"subject"`
}

// ScopeParam renders the scope list the way the provider expects it.
func (c Config) ScopeParam() string {
	sep := c.ScopeSeparator
	if sep == "" {
		sep = " "
	}
	return strings.Join(c.Scopes, sep)
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.Scopes = slices.Clone(c.Scopes)
	c.AuthParams = maps.Clone(c.AuthParams)
	return c
}

// merge overlays the non-zero fields of o onto c.
func (c Config) merge(o Config) Config {
	c = c.Clone()
	if o.AuthorizeURL != "" {
		c.AuthorizeURL = o.AuthorizeURL
	}
	if o.TokenURL != "" {
		c.TokenURL = o.TokenURL
	}
	if o.ClientID != "" {
		c.ClientID = o.ClientID
	}
	if o.ClientSecret != "" {
		c.ClientSecret = o.ClientSecret
	}
	if o.ClientSecretFile != "" {
		c.ClientSecretFile = o.ClientSecretFile
	}
	if len(o.Scopes) > 0 {
		c.Scopes = slices.Clone(o.Scopes)
	}
	if o.RedirectURI != "" {
		c.RedirectURI = o.RedirectURI
	}
	if o.PKCE {
		c.PKCE = true
	}
	if o.AuthStyle != "" {
		c.AuthStyle = o.AuthStyle
	}
	if o.ScopeSeparator != "" {
		c.ScopeSeparator = o.ScopeSeparator
	}
	if len(o.AuthParams) > 0 {
		if c.AuthParams == nil {
			c.AuthParams = map[string]string{}
		}
		maps.Copy(c.AuthParams, o.AuthParams)
	}
	if !o.Subject.IsZero() {
		c.Subject = o.Subject
	}
	return c
}
