package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/tracelog"
)

func TestReplayMissingDatabaseFlag(t *testing.T) {
	_, err := execCommand(t, NewReplayCommand, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplayNonExistentDatabase(t *testing.T) {
	_, err := execCommand(t, NewReplayCommand, "text", "--db", "/nonexistent/path/trace.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplayEmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	log, err := tracelog.Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	out, err := execCommand(t, NewReplayCommand, "text", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No rooms recorded.")
}

func TestReplayAllRooms(t *testing.T) {
	out, err := execCommand(t, NewReplayCommand, "text", "--db", seedTrace(t))
	require.NoError(t, err)

	assert.Contains(t, out, "✓ notes: 2 ops, 2 applied, 0 pending, vector {a:3}")
	assert.Contains(t, out, "1 undecodable messages skipped")
	assert.Contains(t, out, "✓ other: 1 ops, 1 applied, 0 pending, vector {b:1}")
	assert.Contains(t, out, "2 room(s) replay deterministically")
}

func TestReplaySingleRoomJSON(t *testing.T) {
	out, err := execCommand(t, NewReplayCommand, "json", "--db", seedTrace(t), "--room", "notes")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Rooms, 1)

	room := resp.Data.Rooms[0]
	assert.Equal(t, "notes", room.Room)
	assert.Equal(t, 1, room.Skipped)
	assert.Equal(t, "i", room.Text)
	assert.True(t, room.Matching)
	assert.Equal(t, crdt.StateVector{"a": 3}, room.Vector)
}

func TestReplayVerboseShowsText(t *testing.T) {
	cmd := NewReplayCommand(&RootOptions{Format: "text", Verbose: true})
	out, err := execWith(t, cmd, "--db", seedTrace(t), "--room", "other")
	require.NoError(t, err)
	assert.Contains(t, out, `text: "x"`)
}
