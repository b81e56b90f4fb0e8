package transport

import (
	"errors"
	"net/http"
	"strings"
)

// Authenticator verifies the bearer credential a caller presents when opening
// a session. oauth.Credentials implements it.
type Authenticator interface {
	Verify(token string) (providerID, subjectID string, err error)
}

var (
	errMissingCredential = errors.New("missing bearer credential")
	errBadAuthHeader     = errors.New("invalid Authorization header format")
)

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingCredential
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errBadAuthHeader
	}
	return strings.TrimSpace(parts[1]), nil
}

// authenticate resolves the caller of r.
func authenticate(auth Authenticator, r *http.Request) (providerID, subjectID string, err error) {
	token, err := bearerToken(r)
	if err != nil {
		return "", "", err
	}
	return auth.Verify(token)
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate", error="invalid_token"`)
	writeJSONRPCError(w, http.StatusUnauthorized, nil, CodeUnauthorized, "unauthorized: "+err.Error())
}
