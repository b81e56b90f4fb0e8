package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/teemow/mcpgate/internal/provider"
)

var (
	// ErrInvalidOrExpiredState is returned when a callback carries a state
	// token that is unknown, expired, already used, or bound to another provider.
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")

	// ErrProviderExchangeFailed is returned when the provider rejects a code or
	// refresh grant or answers with a malformed response.
	ErrProviderExchangeFailed = errors.New("provider exchange failed")

	// ErrRevokedGrant is returned for records that were invalidated by a failed refresh.
	ErrRevokedGrant = errors.New("grant revoked")

	// ErrNoRefreshToken is returned when there is nothing to refresh.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrProviderTimeout is returned when the provider did not answer in time.
	ErrProviderTimeout = errors.New("provider timeout")
)

// ExchangeError carries the provider's explanation of a failed exchange.
// It matches ErrProviderExchangeFailed with errors.Is.
type ExchangeError struct {
	Provider string
	Detail   string
	// Status is the provider's HTTP status, 0 if no response was received.
	Status int
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: %s (status %d)", ErrProviderExchangeFailed, e.Provider, e.Detail, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", ErrProviderExchangeFailed, e.Provider, e.Detail)
}

func (e *ExchangeError) Is(target error) bool {
	return target == ErrProviderExchangeFailed
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// OAuthError is the user-visible rendering of a failed authorization.
type OAuthError struct {
	Code        string // e.g. "invalid_state", "exchange_failed"
	Description string
	Status      int
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// toOAuthError maps broker errors onto the response shown to the user.
func toOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	var xe *ExchangeError
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		return NewOAuthError("unknown_provider", err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidOrExpiredState):
		return NewOAuthError("invalid_state", "The authorization request is invalid or has expired. Please start again.", http.StatusBadRequest)
	case errors.Is(err, ErrProviderTimeout):
		return NewOAuthError("provider_timeout", "The provider did not respond in time. Please start again.", http.StatusGatewayTimeout)
	case errors.As(err, &xe):
		return NewOAuthError("exchange_failed", xe.Detail, http.StatusBadGateway)
	default:
		return NewOAuthError("server_error", "Authorization could not be completed.", http.StatusInternalServerError)
	}
}
