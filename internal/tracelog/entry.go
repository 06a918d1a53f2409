package tracelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
)

// Direction is "in" for received messages and "out" for sent ones.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Entry is one recorded wire message.
type Entry struct {
	Room      string         `json:"room"`
	Replica   crdt.ReplicaID `json:"replica"`
	Seq       int64          `json:"seq"`
	Direction Direction      `json:"direction"`
	Conn      uint64         `json:"conn"`
	Type      string         `json:"type"`
	Payload   []byte         `json:"payload"`
	At        time.Time      `json:"at"`
}

// Decode decodes the recorded payload.
func (e Entry) Decode() (codec.Message, error) {
	return codec.Decode(e.Payload)
}

// Record appends an entry. Recording the same (room, replica, seq) twice
// keeps the first row.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.Direction != In && e.Direction != Out {
		return fmt.Errorf("record: invalid direction %q", e.Direction)
	}
	if e.Type == "" {
		if t, err := codec.Peek(e.Payload); err == nil {
			e.Type = t.String()
		} else {
			e.Type = "invalid"
		}
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO messages
		(room, replica, seq, direction, conn, type, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.Room,
		string(e.Replica),
		e.Seq,
		string(e.Direction),
		int64(e.Conn),
		e.Type,
		payload,
		e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}

// Filter narrows Entries. Zero fields match everything.
type Filter struct {
	Room      string
	Replica   crdt.ReplicaID
	Direction Direction
	Type      string
	Limit     int
}

// Entries returns matching entries ordered by room, replica and seq.
// Returns an empty slice (not nil) when nothing matches.
func (l *Log) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Room != "" {
		where = append(where, "room = ?")
		args = append(args, f.Room)
	}
	if f.Replica != "" {
		where = append(where, "replica = ?")
		args = append(args, string(f.Replica))
	}
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	query := `SELECT room, replica, seq, direction, conn, type, payload, recorded_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY room COLLATE BINARY ASC, replica COLLATE BINARY ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e       Entry
		replica string
		dir     string
		conn    int64
		at      int64
	)
	if err := rows.Scan(&e.Room, &replica, &e.Seq, &dir, &conn, &e.Type, &e.Payload, &at); err != nil {
		return Entry{}, fmt.Errorf("scan message: %w", err)
	}
	e.Replica = crdt.ReplicaID(replica)
	e.Direction = Direction(dir)
	e.Conn = uint64(conn)
	e.At = time.Unix(0, at).UTC()
	return e, nil
}

// Rooms returns every recorded room in ascending order.
func (l *Log) Rooms(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT room FROM messages ORDER BY room COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// LastSeq returns the highest seq recorded for a replica in a room, zero
// when none. A restarted replica resumes its clock from here.
func (l *Log) LastSeq(ctx context.Context, room string, replica crdt.ReplicaID) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM messages WHERE room = ? AND replica = ?
	`, room, string(replica)).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

// Ops decodes every operation carried by SyncStep2 and Update messages
// recorded for room, in recording order. Operations may repeat; the
// document store deduplicates them. Undecodable payloads are counted in
// skipped rather than failing the read.
func (l *Log) Ops(ctx context.Context, room string) (ops []crdt.Operation, skipped int, err error) {
	entries, err := l.Entries(ctx, Filter{Room: room})
	if err != nil {
		return nil, 0, err
	}
	ops = []crdt.Operation{}
	for _, e := range entries {
		if e.Type != codec.TypeSyncStep2.String() && e.Type != codec.TypeUpdate.String() {
			continue
		}
		m, err := e.Decode()
		if err != nil {
			skipped++
			continue
		}
		switch m := m.(type) {
		case codec.SyncStep2:
			ops = append(ops, m.Ops...)
		case codec.Update:
			ops = append(ops, m.Ops...)
		}
	}
	return ops, skipped, nil
}
