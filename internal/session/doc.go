// Package session tracks live MCP sessions.
//
// A session binds a caller, identified by (provider, subject), to one
// transport. It is opened only when the token store holds a usable token for
// that caller, and it moves through the states
//
//	Opening -> Active -> Closing -> Closed
//
// Closed is terminal: reopening creates a new session id. Each session owns an
// Outbox, an ordered queue of frames consumed by the streaming transport, and
// a context that is cancelled when the session closes.
package session
