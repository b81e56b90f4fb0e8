package provider

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk provider configuration.
//
//	providers:
//	  - id: slack
//	    client_id: 123.456
//	    client_secret_file: /run/secrets/slack
//	  - id: internal-idp
//	    authorize_url: https://idp.example.com/authorize
//	    token_url: https://idp.example.com/token
//	    scopes: [openid]
//	    subject: {id_token_claim: sub}
type File struct {
	Providers []Config `yaml:"providers"`
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path of the YAML file. Empty means no file.
	Path string

	// Enabled lists provider ids to enable in addition to those in the file.
	Enabled []string

	// BaseURL is the externally reachable server URL used to derive
	// redirect URIs of the form {BaseURL}/{id}/callback.
	BaseURL string

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Load builds the Registry from layered sources:
//  1. Built-in endpoint tables
//  2. YAML file entries (overlaying built-ins with the same id)
//  3. Environment overrides: <ID>_CLIENT_ID, <ID>_CLIENT_SECRET, <ID>_REDIRECT_URI
//  4. client_secret_file resolution and derived redirect URIs
//  5. Validation of every enabled provider
func Load(opts LoadOptions) (*Registry, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	known := Builtin()
	var enabled []string
	seen := map[string]bool{}
	enable := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			enabled = append(enabled, id)
		}
	}

	if opts.Path != "" {
		file, err := ReadFile(opts.Path)
		if err != nil {
			return nil, err
		}
		for _, c := range file.Providers {
			c.ID = strings.TrimSpace(c.ID)
			if c.ID == "" {
				return nil, fmt.Errorf("loading %s: provider entry without id", opts.Path)
			}
			if base, ok := known[c.ID]; ok {
				known[c.ID] = base.merge(c)
			} else {
				known[c.ID] = c
			}
			enable(c.ID)
		}
	}
	for _, id := range opts.Enabled {
		enable(id)
	}
	if len(enabled) == 0 {
		return nil, errors.New("no providers configured: set --providers or a providers config file")
	}

	configs := make([]Config, 0, len(enabled))
	var errs []error
	for _, id := range enabled {
		c, ok := known[id]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProvider, id))
			continue
		}
		applyEnv(&c, getenv)
		if err := resolveSecretFile(&c); err != nil {
			errs = append(errs, err)
			continue
		}
		if c.RedirectURI == "" && opts.BaseURL != "" {
			c.RedirectURI = strings.TrimRight(opts.BaseURL, "/") + "/" + c.ID + "/callback"
		}
		configs = append(configs, c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return NewRegistry(configs...)
}

// ReadFile parses a provider configuration file. Unknown keys are rejected.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &f, nil
}

// EnvPrefix returns the environment variable prefix for provider id,
// e.g. "atlassian" -> "ATLASSIAN", "my-idp" -> "MY_IDP".
func EnvPrefix(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

func applyEnv(c *Config, getenv func(string) string) {
	prefix := EnvPrefix(c.ID)
	if v := getenv(prefix + "_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := getenv(prefix + "_CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := getenv(prefix + "_REDIRECT_URI"); v != "" {
		c.RedirectURI = v
	}
}

func resolveSecretFile(c *Config) error {
	if c.ClientSecret != "" || c.ClientSecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.ClientSecretFile)
	if err != nil {
		return fmt.Errorf("provider %q: client_secret_file: %w", c.ID, err)
	}
	c.ClientSecret = strings.TrimSpace(string(data))
	return nil
}
