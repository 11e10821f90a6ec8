// Package session runs one device link.
//
// A Link owns the transport, reassembler, dispatcher and sender for a single
// connection. Inbound bytes are reassembled into packets and routed on the
// link's own goroutine; acknowledgment replies and chunked sends share the
// sender's write lock so frames never interleave.
//
// Lifecycle:
//   - NewLink wires the parts and installs the link as the transport receiver.
//   - Connect opens the transport with backoff.
//   - Run processes events until ctx ends or Close is called, reconnecting
//     when Config.Reconnect is set.
package session
