// Package calendar_tools provides MCP tools for read-only Google Calendar access.
//
// The tools run inside the sample calendar connector. Each call works for the
// session's caller: the access token the session manager attached to the call
// is used to build a calendar client, so no account selection or local token
// storage is involved.
package calendar_tools
