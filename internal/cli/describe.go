package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/tracelog"
)

// maxListedOps caps how many operation IDs a summary names.
const maxListedOps = 8

// describe renders a one-line summary of a wire message.
func describe(m codec.Message) string {
	switch m := m.(type) {
	case codec.SyncStep1:
		if m.From == "" {
			return "vector " + m.StateVector.String()
		}
		return fmt.Sprintf("%s vector %s acks=%d", m.From, m.StateVector, len(m.Acks))
	case codec.SyncStep2:
		return describeOps(m.Ops)
	case codec.Update:
		return describeOps(m.Ops)
	case codec.AwarenessUpdate:
		return fmt.Sprintf("%s counter=%d %s", m.Replica, m.Counter, m.State)
	case codec.AwarenessLeave:
		return fmt.Sprintf("%s counter=%d", m.Replica, m.Counter)
	default:
		return m.Type().String()
	}
}

func describeOps(ops []crdt.Operation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d ops", len(ops))
	for i, op := range ops {
		if i == maxListedOps {
			fmt.Fprintf(&b, " +%d", len(ops)-i)
			break
		}
		b.WriteByte(' ')
		b.WriteString(op.Kind.String())
		b.WriteByte('@')
		b.WriteString(op.ID.String())
		if op.Kind == crdt.OpInsert {
			fmt.Fprintf(&b, "%q", op.Text)
		}
	}
	return b.String()
}

// openTrace opens an existing trace database. A missing file is an error
// rather than a fresh empty database.
func openTrace(path string) (*tracelog.Log, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	log, err := tracelog.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return log, nil
}
