// Package toolhost serves Go handlers as a tool service. A [Host] publishes a
// catalog and answers invocations over MCP (stdio or streamable HTTP), plain
// JSON over HTTP, and multiplexed WebSocket frames. The toolrelay host command
// and the transport tests are both built on it.
package toolhost
