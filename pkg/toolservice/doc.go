// Package toolservice defines the contract between toolrelay and remote tool
// services: the catalog a service publishes, the invoke request/response pair,
// and the machine-readable error categories a service reports.
//
// It is organized into sub-packages, one per transport:
//   - [github.com/germanamz/toolrelay/pkg/toolservice/mcpservice]: MCP client built on the official MCP Go SDK (command, SSE and streamable HTTP transports)
//   - [github.com/germanamz/toolrelay/pkg/toolservice/httpservice]: plain JSON over HTTP (GET /catalog, POST /invoke)
//   - [github.com/germanamz/toolrelay/pkg/toolservice/wsservice]: JSON frames over a single multiplexed WebSocket
//   - [github.com/germanamz/toolrelay/pkg/toolservice/toolhost]: serves Go handlers as a tool service over all three transports
//
// Transports return a [Conn] from their [Dialer]. Errors that mean "the
// service could not be reached" are wrapped in [ConnError] so callers can
// classify them with [IsConnectivity] without knowing the transport.
package toolservice
