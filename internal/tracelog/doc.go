// Package tracelog records the wire messages a replica sends and receives
// in a SQLite database.
//
// Every row carries the raw encoded message, so a trace can be decoded
// again offline and the document rebuilt from the operations it carries.
// Rows are keyed by (room, replica, seq); seq comes from the engine's
// logical clock and never repeats within one replica's trace.
package tracelog
