// Package wsservice reaches tool services over a single WebSocket using
// github.com/coder/websocket. Requests and replies are toolservice.Frame JSON
// messages; each request carries an ID and the reply echoes it, so any number
// of calls can be in flight on one socket. When the socket breaks every
// pending call fails with a *toolservice.ConnError.
package wsservice
