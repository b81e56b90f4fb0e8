// Package calendar is a read-only Google Calendar v3 client used by the sample
// calendar connector.
//
// A Client is bound to one caller's access token, which the connector obtains
// from the session it serves. Clients are cheap and created per call; token
// refresh is handled by the session layer, not here.
package calendar
