package provider

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_BuiltinWithEnvCredentials(t *testing.T) {
	r, err := Load(LoadOptions{
		Enabled: []string{"slack", "github"},
		BaseURL: "https://gate.example.com/",
		Getenv: envFrom(map[string]string{
			"SLACK_CLIENT_ID":      "slack-id",
			"SLACK_CLIENT_SECRET":  "slack-secret",
			"GITHUB_CLIENT_ID":     "gh-id",
			"GITHUB_CLIENT_SECRET": "gh-secret",
			"GITHUB_REDIRECT_URI":  "https://other.example.com/cb",
		}),
	})
	require.NoError(t, err)

	slack, err := r.Lookup("slack")
	require.NoError(t, err)
	assert.Equal(t, "slack-id", slack.ClientID)
	assert.Equal(t, "https://gate.example.com/slack/callback", slack.RedirectURI)

	gh, err := r.Lookup("github")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/cb", gh.RedirectURI)

	_, err = r.Lookup("google")
	assert.True(t, errors.Is(err, ErrUnknownProvider), "not enabled means not registered")
}

func TestLoad_MissingCredentialsFailsFast(t *testing.T) {
	_, err := Load(LoadOptions{
		Enabled: []string{"slack", "figma"},
		BaseURL: "https://gate.example.com",
		Getenv:  envFrom(map[string]string{"SLACK_CLIENT_ID": "only-id"}),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredentials))
	assert.Contains(t, err.Error(), `"slack"`)
	assert.Contains(t, err.Error(), `"figma"`)
}

func TestLoad_NothingEnabled(t *testing.T) {
	_, err := Load(LoadOptions{Getenv: envFrom(nil)})
	assert.ErrorContains(t, err, "no providers configured")
}

func TestLoad_UnknownEnabled(t *testing.T) {
	_, err := Load(LoadOptions{Enabled: []string{"myspace"}, Getenv: envFrom(nil)})
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestLoad_YAMLOverlayAndCustomProvider(t *testing.T) {
	secret := writeFile(t, "secret", "from-file\n")
	path := writeFile(t, "providers.yaml", `
providers:
  - id: google
    client_id: g-id
    client_secret_file: `+secret+`
    scopes: [openid, "https://www.googleapis.com/auth/calendar.readonly"]
  - id: corp
    authorize_url: https://idp.corp.example/authorize
    token_url: https://idp.corp.example/token
    client_id: corp-id
    client_secret: corp-secret
    scopes: [openid]
    pkce: true
    subject:
      id_token_claim: sub
`)

	r, err := Load(LoadOptions{Path: path, BaseURL: "https://gate.example.com", Getenv: envFrom(nil)})
	require.NoError(t, err)
	assert.Equal(t, []string{"corp", "google"}, r.IDs())

	g, _ := r.Lookup("google")
	assert.Equal(t, "from-file", g.ClientSecret)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/auth", g.AuthorizeURL, "built-in endpoints survive overlay")
	assert.Equal(t, []string{"openid", "https://www.googleapis.com/auth/calendar.readonly"}, g.Scopes)
	assert.Equal(t, "offline", g.AuthParams["access_type"])

	corp, _ := r.Lookup("corp")
	assert.True(t, corp.PKCE)
	assert.Equal(t, "https://gate.example.com/corp/callback", corp.RedirectURI)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "providers.yaml", `
providers:
  - id: figma
    client_id: file-id
    client_secret: file-secret
`)
	r, err := Load(LoadOptions{
		Path:    path,
		BaseURL: "https://gate.example.com",
		Getenv:  envFrom(map[string]string{"FIGMA_CLIENT_SECRET": "env-secret"}),
	})
	require.NoError(t, err)
	c, _ := r.Lookup("figma")
	assert.Equal(t, "file-id", c.ClientID)
	assert.Equal(t, "env-secret", c.ClientSecret)
}

func TestReadFile_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "providers.yaml", "providers:\n  - id: slack\n    clientid: typo\n")
	_, err := ReadFile(path)
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "ATLASSIAN", EnvPrefix("atlassian"))
	assert.Equal(t, "MY_IDP", EnvPrefix("my-idp"))
}
