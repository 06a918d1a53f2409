// Package codec implements the versioned binary wire format shared by the
// sync and awareness protocols.
//
// Every message is framed as:
//
//	format tag (1 byte, Version) | message type (1 byte) | body
//
// Integers are unsigned varints (multiformats/go-varint, minimal encoding
// enforced on decode). Strings and byte slices are a varint length followed
// by the raw bytes. Operation batches open with a replica table so each
// operation refers to replicas by index instead of repeating the ID.
//
// Decoding never panics on hostile input. Every failure is a *DecodeError
// carrying the byte offset and one of the sentinel errors below; all of them
// are recoverable by forcing a resync.
package codec
