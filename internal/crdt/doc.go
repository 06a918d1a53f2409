// Package crdt implements the replicated document store.
//
// A Store holds one replica of a collaborative text document as an RGA
// (Replicated Growable Array): every rune is an element with a unique ID
// (ReplicaID, Clock), inserted after a parent element, and deletions leave
// tombstones so later operations can still reference the deleted position.
//
// ARCHITECTURE:
//
// Identity:
// Each replica stamps its operations with a contiguous per-replica clock.
// An insert of an n-rune run occupies n clocks; delete and format operations
// occupy one. Because clocks are contiguous, "known" is always a prefix per
// replica and a StateVector (ReplicaID -> highest clock) summarises exactly
// which operations a replica holds.
//
// Ordering:
// Operations also carry a Lamport timestamp. Elements that share a parent
// are ordered by descending Lamport, ties broken by ascending ReplicaID.
// Integration walks right from the parent and skips every element that
// sorts before the new one. The rule depends only on operation content, so
// every replica that holds the same operation set renders the same text.
//
// Causal delivery:
// Merge buffers operations whose same-replica predecessor, parent, targets
// or declared Deps are missing and releases them as soon as they become
// ready. Merge is idempotent: known operations are skipped and partially
// known insert runs are trimmed to their unknown suffix.
//
// CRITICAL PATTERNS:
//
// Single writer:
// Every mutating call holds Store.mu for its full duration. Concurrent
// ApplyLocal and Merge calls never interleave partial updates.
//
// History index:
// Applied operations are kept per replica in clock order. Diff binary
// searches each replica's slice instead of scanning the whole history.
//
// Observation:
// Editors consume Subscribe streams rather than callbacks. Each Change
// carries the applied operations and an index-space Delta.
package crdt
