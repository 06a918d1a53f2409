package cli

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
)

func TestDecodeSyncStep1(t *testing.T) {
	out, err := execCommand(t, NewDecodeCommand, "text", "010002014103014", "3ac02")
	require.NoError(t, err)
	assert.Equal(t, "sync_step1 (10 bytes)\nvector {A:3 C:300}\n", out)
}

func TestDecodeAcceptsPrefixAndSpaces(t *testing.T) {
	payload := codec.Encode(codec.AwarenessLeave{Replica: "ana", Counter: 4})
	out, err := execCommand(t, NewDecodeCommand, "text", "0x"+hex.EncodeToString(payload[:3]), hex.EncodeToString(payload[3:]))
	require.NoError(t, err)
	assert.Contains(t, out, "awareness_leave")
	assert.Contains(t, out, "ana counter=4")
}

func TestDecodeUpdateJSON(t *testing.T) {
	doc := crdt.New("a")
	op, err := doc.ApplyLocal(crdt.Insert{Pos: 0, Text: "hi"})
	require.NoError(t, err)
	payload := codec.Encode(codec.Update{Ops: []crdt.Operation{op}})

	out, err := execCommand(t, NewDecodeCommand, "json", hex.EncodeToString(payload))
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Type    string `json:"type"`
			Size    int    `json:"size"`
			Summary string `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "update", resp.Data.Type)
	assert.Equal(t, len(payload), resp.Data.Size)
	assert.Equal(t, `1 ops insert@a:1"hi"`, resp.Data.Summary)
}

func TestDecodeInvalidHex(t *testing.T) {
	_, err := execCommand(t, NewDecodeCommand, "text", "zz")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid hex")
}

func TestDecodeTruncated(t *testing.T) {
	out, err := execCommand(t, NewDecodeCommand, "text", "0100")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, codec.ErrTruncated)
	assert.Contains(t, out, "Error [E_DECODE]")
}

func TestDecodeVersionMismatchJSON(t *testing.T) {
	out, err := execCommand(t, NewDecodeCommand, "json", "0900")
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrVersionMismatch)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DECODE", resp.Error.Code)
	assert.Equal(t, map[string]any{"offset": float64(0)}, resp.Error.Details)
}

func TestDescribe(t *testing.T) {
	ops := make([]crdt.Operation, 10)
	doc := crdt.New("a")
	for i := range ops {
		op, err := doc.ApplyLocal(crdt.Insert{Pos: i, Text: "x"})
		require.NoError(t, err)
		ops[i] = op
	}

	got := describe(codec.SyncStep2{Ops: ops})
	assert.Contains(t, got, "10 ops insert@a:1")
	assert.Contains(t, got, "insert@a:8")
	assert.NotContains(t, got, "a:9")
	assert.Contains(t, got, " +2")

	assert.Equal(t, `ana counter=2 {"user":"ana"}`,
		describe(codec.AwarenessUpdate{Replica: "ana", Counter: 2, State: []byte(`{"user":"ana"}`)}))
	assert.Equal(t, "a vector {a:3} acks=1", describe(codec.SyncStep1{
		StateVector: crdt.StateVector{"a": 3},
		From:        "a",
		Acks:        map[crdt.ReplicaID]crdt.StateVector{"a": {"a": 3}},
	}))
}
