package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/tracelog"
)

// seedTrace writes a small trace: room "notes" holds "hi" then a delete
// of the "h", plus one corrupt update; room "other" holds "x".
func seedTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.db")
	log, err := tracelog.Open(path)
	require.NoError(t, err)
	defer log.Close()

	a := crdt.New("a")
	insert, err := a.ApplyLocal(crdt.Insert{Pos: 0, Text: "hi"})
	require.NoError(t, err)
	del, err := a.ApplyLocal(crdt.Delete{Pos: 0, Len: 1})
	require.NoError(t, err)

	b := crdt.New("b")
	x, err := b.ApplyLocal(crdt.Insert{Pos: 0, Text: "x"})
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []tracelog.Entry{
		{Room: "notes", Replica: "srv", Seq: 1, Direction: tracelog.In, Conn: 1,
			Payload: codec.Encode(codec.SyncStep1{StateVector: crdt.StateVector{}})},
		{Room: "notes", Replica: "srv", Seq: 2, Direction: tracelog.In, Conn: 1,
			Payload: codec.Encode(codec.Update{Ops: []crdt.Operation{insert}})},
		{Room: "notes", Replica: "srv", Seq: 3, Direction: tracelog.Out, Conn: 2,
			Payload: codec.Encode(codec.Update{Ops: []crdt.Operation{del}})},
		{Room: "notes", Replica: "srv", Seq: 4, Direction: tracelog.In, Conn: 1,
			Type: codec.TypeUpdate.String(), Payload: []byte{0x01, 0x02, 0xff}},
		{Room: "other", Replica: "srv", Seq: 1, Direction: tracelog.In, Conn: 3,
			Payload: codec.Encode(codec.SyncStep2{Ops: []crdt.Operation{x}})},
	}
	for _, e := range entries {
		e.At = at
		require.NoError(t, log.Record(context.Background(), e))
	}
	return path
}

func execCommand(t *testing.T, newCmd func(*RootOptions) *cobra.Command, format string, args ...string) (string, error) {
	t.Helper()
	return execWith(t, newCmd(&RootOptions{Format: format}), args...)
}

func execWith(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
