package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/teemow/mcpgate/internal/provider"
	"github.com/teemow/mcpgate/internal/tokenstore"
)

// maxUserInfoBytes bounds identity responses.
const maxUserInfoBytes = 1 << 20

// oauth2Config translates a provider table entry into an oauth2.Config.
// Scopes are rendered by authCodeOptions so the provider's separator is kept.
func oauth2Config(cfg provider.Config) *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	switch cfg.AuthStyle {
	case provider.AuthStyleHeader:
		style = oauth2.AuthStyleInHeader
	case provider.AuthStyleParams:
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: style,
		},
	}
}

// authCodeOptions returns the extra authorize-URL parameters for cfg.
func authCodeOptions(cfg provider.Config, verifier string) []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, len(cfg.AuthParams)+2)
	if len(cfg.Scopes) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("scope", cfg.ScopeParam()))
	}
	for k, v := range cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return opts
}

// classifyProviderError turns an oauth2 or transport error into the broker's
// taxonomy. The returned bool reports whether retrying may help.
func classifyProviderError(providerID string, err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %w", ErrProviderTimeout, providerID, err), true
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		detail := re.ErrorCode
		if re.ErrorDescription != "" {
			detail = strings.TrimSpace(detail + " " + re.ErrorDescription)
		}
		if detail == "" {
			detail = strings.TrimSpace(string(re.Body))
		}
		if detail == "" {
			detail = http.StatusText(status)
		}
		return &ExchangeError{Provider: providerID, Detail: detail, Status: status, Err: err}, status >= 500
	}

	return &ExchangeError{Provider: providerID, Detail: err.Error(), Err: err}, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// tokenField reads a gjson path out of the raw token response. The first path
// segment selects the top-level field; the rest is applied to its JSON form.
func tokenField(tok *oauth2.Token, path string) string {
	head, rest, _ := strings.Cut(path, ".")
	v := tok.Extra(head)
	if v == nil {
		return ""
	}
	if rest == "" {
		if s, ok := v.(string); ok {
			return s
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if rest == "" {
		return gjson.ParseBytes(raw).String()
	}
	return gjson.GetBytes(raw, rest).String()
}

// idTokenClaim reads a claim from the id_token returned next to the access
// token. The token arrives over the TLS-authenticated token endpoint response,
// so its signature is not checked here.
func idTokenClaim(tok *oauth2.Token, claim string) string {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	switch v := claims[claim].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// fetchUserInfo calls the provider's identity endpoint with the new access
// token and returns the value at field.
func fetchUserInfo(ctx context.Context, client *http.Client, tok *oauth2.Token, endpoint, field string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("identity endpoint returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("identity endpoint returned invalid JSON")
	}
	if field == "" {
		field = "id"
	}
	return gjson.GetBytes(body, field).String(), nil
}

// recordFromToken builds the stored record for a token response. prev, when
// set, supplies the refresh token and scopes the provider did not repeat.
func recordFromToken(providerID, subjectID string, tok *oauth2.Token, prev *tokenstore.Record, now time.Time) *tokenstore.Record {
	rec := &tokenstore.Record{
		ProviderID:   providerID,
		SubjectID:    subjectID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Scopes:       grantedScopes(tok),
		UpdatedAt:    now,
	}
	if prev != nil {
		if rec.RefreshToken == "" {
			rec.RefreshToken = prev.RefreshToken
		}
		if len(rec.Scopes) == 0 {
			rec.Scopes = prev.Scopes
		}
	}
	return rec
}

// grantedScopes reads the scope field of a token response. Providers separate
// scopes with spaces or commas.
func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
}
