// Package transport multiplexes the connections a replica syncs over.
//
// A Channel is one bidirectional message pipe to zero or more peers: a
// websocket to a relay server, a redis pub/sub topic, a WebRTC data channel
// to one mesh peer, or an in-memory pipe. The Mux wraps each Channel in a
// Conn with its own bounded send queue and writer goroutine, so a slow or
// dead peer never blocks the others.
//
// ARCHITECTURE:
//
// Send path:
// Mux.Broadcast and Mux.Send only enqueue. Each Conn's writer goroutine
// drains its queue into Channel.Send. A full queue drops the message for
// that Conn and returns ErrQueueFull; the sync layer recovers through its
// handshake.
//
// Receive path:
// The Mux does not read. Whoever attaches a Conn (the sync engine) runs the
// receive loop with Conn.Receive.
//
// Teardown:
// Closing a Conn closes its Channel and abandons queued sends. A closed
// Conn is never reused; Redial attaches a fresh one.
package transport
