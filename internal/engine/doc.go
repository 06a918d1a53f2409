// Package engine runs the sync protocol for one document.
//
// The engine owns a Document Store, an Awareness set and a transport Mux.
// Every connection in the Mux gets a session that walks through
//
//	Handshaking → Syncing → Synced → Closed
//
// On attach both sides send SyncStep1 with their state vector. A SyncStep1
// is answered with SyncStep2 carrying the operations the peer lacks. A
// session is Synced once the last step it sent and the last step it
// received were both empty. From then on local edits go out as Update
// messages and remote updates are merged and relayed to every other
// session, never back to the connection they came from.
//
// Single-writer event loop:
// Connection readers only enqueue. Run processes attach, message, local
// edit, close and tick events one at a time from a FIFO queue, so session
// state needs no locking and sends never block the loop (each connection
// has its own bounded send queue).
//
// Errors never stop the loop. A message that fails to decode resets its
// session to Handshaking and resends SyncStep1. Operations buffered for
// longer than the stall window raise a SyncStalledError on Diagnostics and
// re-request state vectors from every peer.
package engine
