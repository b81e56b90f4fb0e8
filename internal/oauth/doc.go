// Package oauth implements the authorization broker: the OAuth 2.0
// authorization-code flow against the providers of a provider.Registry, token
// refresh, and the caller credentials handed out after a successful callback.
//
// A flow starts with Broker.Begin, which stores a single-use AuthState and
// returns the provider's authorize URL. The provider redirects back to the
// callback route, where Broker.Complete consumes the state, exchanges the code
// and upserts a tokenstore.Record for the authorized subject. Broker.Refresh
// renews the access token and is deduplicated per (provider, subject) so that
// concurrent callers share one refresh grant. Broker.Token skips the grant
// when the stored record was already refreshed by the time its turn comes.
//
// # HTTP Routes
//
//	GET /{provider}/authorize   302 to the provider
//	GET /{provider}/callback    completes the flow
//	GET /{provider}/status      state of the caller's grant
//	DELETE /{provider}/connection  deletes the grant and closes its sessions
//
// The status and connection routes take the caller credential as a bearer
// token and only answer for the provider it was issued for.
//
// # Security
//
//   - State tokens are 256-bit random values, valid for ten minutes and consumed on first use
//   - PKCE (S256) is used for providers that support it
//   - A failed refresh marks the stored grant invalid instead of deleting it
package oauth
