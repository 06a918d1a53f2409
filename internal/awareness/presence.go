package awareness

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/collab/internal/crdt"
)

// Cursor is a caret position in editor coordinates.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a selected range. Anchor is where the selection started,
// Head where it ends; Head may precede Anchor.
type Selection struct {
	Anchor Cursor `json:"anchor"`
	Head   Cursor `json:"head"`
}

// Presence is the payload one replica shares about itself.
type Presence struct {
	User      string            `json:"user,omitempty"`
	Color     string            `json:"color,omitempty"`
	Cursor    *Cursor           `json:"cursor,omitempty"`
	Selection *Selection        `json:"selection,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Encode returns the JSON wire form.
func (p Presence) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode presence: %w", err)
	}
	return b, nil
}

// DecodePresence parses the JSON wire form. An empty payload is an empty
// presence.
func DecodePresence(b []byte) (Presence, error) {
	var p Presence
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, fmt.Errorf("decode presence: %w", err)
	}
	return p, nil
}

// Record is one replica's presence as held locally.
type Record struct {
	Replica  crdt.ReplicaID
	Presence Presence
	Counter  uint64
	Updated  time.Time
}

// ChangeKind distinguishes Change events.
type ChangeKind uint8

const (
	// Added is a replica appearing (connected).
	Added ChangeKind = iota + 1
	// Updated is a replica's presence changing.
	Updated
	// Removed is a replica leaving or expiring (disconnected).
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// Change reports one record transition.
type Change struct {
	Kind   ChangeKind
	Record Record
	Local  bool
}
