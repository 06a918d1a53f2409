// Package awareness tracks ephemeral presence: who is in a document, where
// their cursor is and what they have selected.
//
// Presence never touches the document store. Each replica owns one record
// and stamps every change with a per-replica counter. A record is replaced
// only by a strictly higher counter, so duplicated and reordered updates are
// harmless. Records that go quiet for longer than the timeout expire; the
// owner renews its record at half the timeout so a live but idle replica
// never expires.
//
// Removed replicas are remembered, with their last counter, in a bounded
// LRU. A delayed update carrying an old counter cannot resurrect a record
// that was already removed.
package awareness
