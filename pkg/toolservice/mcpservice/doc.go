// Package mcpservice connects to MCP tool servers using the official MCP Go
// SDK (github.com/modelcontextprotocol/go-sdk) and adapts them to the
// toolservice contract. A [Dialer] spawns a command, or connects over SSE or
// streamable HTTP; each resulting [Client] is one MCP session.
//
// Tool failures reported with IsError become a failed toolservice.Response.
// The error category and payload are read from the result's _meta
// ("category", "payload") when the server provides them. Closed sessions and
// broken transports are returned as *toolservice.ConnError.
package mcpservice
