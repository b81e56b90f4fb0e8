// Package transport exposes MCP sessions over two HTTP bindings that share one
// session model.
//
// The SSE binding keeps a long-lived event stream open and takes caller
// messages on a companion POST endpoint. The HTTP binding answers each message
// on its own request and hands out a poll token when the connector does not
// answer within the response window.
//
// Both bindings pass messages through a Dispatcher, which validates the
// message, re-checks the session's token lazily, forwards the message to the
// connector and stamps the reply with the request id.
//
// # Routes
//
//	GET    /sse/                      open an SSE session (bearer credential)
//	POST   /sse/message               submit a message to an SSE session
//	POST   /mcp/                      send a message, opening a session if needed (bearer credential)
//	GET    /mcp/pending/{poll_token}  collect a reply that missed the window
//	DELETE /mcp/                      close an HTTP session (bearer credential)
//
// HTTP sessions answer only to the provider and subject that opened them.
package transport
