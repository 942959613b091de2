// Package eventstream implements the server side of the Server-Sent
// Events (SSE) wire protocol.
//
// The central type is Stream, a per-connection protocol encoder. It is
// bound to a Sink (an abstraction over an open HTTP response), writes
// the SSE response preamble on Init and then frames field/value records
// on every Send call. Stream tracks the last delivered event ID for
// client resumption and flips to closed when the peer disconnects.
//
// Two framing policies are supported for multi-line payloads, see
// FramingPolicy.
//
// Typical usage with net/http:
//	* Call Upgrade() inside a HTTP handler to obtain a Stream for the
//	  current connection.
//	* Call SendMessage(), SendData() or the other Send helpers while
//	  IsOpen() reports true.
//	* Return from the handler (or call Close()) to end the stream.
//
// For applications that broadcast one sequence of messages to many
// clients the package also provides Hub, a publish/subscribe layer with
// keep-alive pings, reconnect hints and automatic client resync from a
// replay cache.
package eventstream
