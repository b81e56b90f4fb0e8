package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(id string) Config {
	return Config{
		ID:           id,
		AuthorizeURL: "https://idp.example.com/authorize",
		TokenURL:     "https://idp.example.com/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Scopes:       []string{"openid", "email"},
		RedirectURI:  "https://gate.example.com/" + id + "/callback",
		Subject:      SubjectSource{IDTokenClaim: "sub"},
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry(testConfig("alpha"), testConfig("beta"))
	require.NoError(t, err)

	c, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", c.ID)
	assert.Equal(t, []string{"alpha", "beta"}, r.IDs())
	assert.Equal(t, 2, r.Len())

	_, err = r.Lookup("gamma")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestRegistry_LookupReturnsCopy(t *testing.T) {
	cfg := testConfig("alpha")
	cfg.AuthParams = map[string]string{"prompt": "consent"}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	c, _ := r.Lookup("alpha")
	c.Scopes[0] = "mutated"
	c.AuthParams["prompt"] = "none"

	again, _ := r.Lookup("alpha")
	assert.Equal(t, "openid", again.Scopes[0])
	assert.Equal(t, "consent", again.AuthParams["prompt"])
}

func TestNewRegistry_Validation(t *testing.T) {
	noSecret := testConfig("nosecret")
	noSecret.ClientSecret = ""

	badURL := testConfig("badurl")
	badURL.TokenURL = "/relative/token"

	reserved := testConfig("sse")

	noSubject := testConfig("nosubject")
	noSubject.Subject = SubjectSource{}

	_, err := NewRegistry(noSecret, badURL, reserved, noSubject)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredentials))
	assert.Contains(t, err.Error(), `"badurl"`)
	assert.Contains(t, err.Error(), "reserved")
	assert.Contains(t, err.Error(), "subject source")
}

func TestNewRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(testConfig("alpha"), testConfig("alpha"))
	assert.ErrorContains(t, err, "duplicate")
}

func TestConfig_ScopeParam(t *testing.T) {
	c := testConfig("x")
	assert.Equal(t, "openid email", c.ScopeParam())

	c.ScopeSeparator = ","
	assert.Equal(t, "openid,email", c.ScopeParam())
}

func TestBuiltin_Shapes(t *testing.T) {
	b := Builtin()
	for _, id := range []string{"slack", "google", "github", "figma", "atlassian"} {
		c, ok := b[id]
		require.True(t, ok, id)
		assert.Equal(t, id, c.ID)
		assert.False(t, c.Subject.IsZero(), id)
		assert.Empty(t, c.ClientID, "built-ins carry no credentials")
	}
	assert.Equal(t, "team.id", b["slack"].Subject.TokenField)
	assert.Equal(t, ",", b["slack"].ScopeSeparator)
	assert.True(t, b["github"].PKCE)
	assert.Equal(t, "api.atlassian.com", b["atlassian"].AuthParams["audience"])
	assert.Equal(t, "offline", b["google"].AuthParams["access_type"])
}
