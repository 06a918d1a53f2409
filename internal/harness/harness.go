package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/collab/internal/awareness"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/engine"
	"github.com/roach88/collab/internal/testutil"
)

// DefaultTimeout bounds each settle when the scenario sets none.
const DefaultTimeout = 5 * time.Second

// Harness executes one scenario over a testutil.Network.
type Harness struct {
	net     *testutil.Network
	clock   *engine.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// Run executes a scenario with logging suppressed.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger executes a scenario and returns the result.
//
// Execution flow:
//  1. Start one engine per replica, all disconnected
//  2. Execute flow steps in order
//  3. Settle the network once more
//  4. Snapshot every replica and evaluate assertions
//
// The returned error reports a harness failure. Scenario failures are
// recorded in Result.Errors.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	policy, err := crdt.ParseHistoryPolicy(scenario.HistoryPolicy)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	ids := make([]crdt.ReplicaID, len(scenario.Replicas))
	for i, r := range scenario.Replicas {
		ids[i] = crdt.ReplicaID(r)
	}
	net, err := testutil.NewNetwork(ids,
		testutil.WithNetworkLogger(logger),
		testutil.WithStoreOptions(crdt.WithHistoryPolicy(policy)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start network: %w", err)
	}
	defer net.Close()

	h := &Harness{
		net:     net,
		clock:   engine.NewClock(),
		timeout: scenario.Timeout,
		logger:  logger.With("scenario", scenario.Name),
	}
	if h.timeout == 0 {
		h.timeout = DefaultTimeout
	}

	result := NewResult()
	if err := h.executeFlow(scenario.Flow, result); err != nil {
		result.AddError(err.Error())
		return result, nil
	}
	if err := h.settle(); err != nil {
		result.AddError(err.Error())
		return result, nil
	}

	result.State = h.snapshot()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// executeFlow runs the flow steps. Rejected edits that were not expected
// are recorded and the flow continues; a failed settle or link change
// stops it.
func (h *Harness) executeFlow(flow []Step, result *Result) error {
	for i, step := range flow {
		ev := TraceEvent{
			Seq:     h.clock.Next(),
			Action:  step.Action(),
			Replica: step.Replica,
		}

		switch {
		case step.isEdit():
			op, err := h.edit(step)
			if msg := checkEditError(i, step.Expect, err); msg != "" {
				result.AddError(msg)
			}
			if err == nil {
				ev.Op = op.ID.String()
			} else if step.Expect != nil {
				ev.Error = step.Expect.Error
			}

		case step.Presence != nil:
			p := awareness.Presence{User: step.Presence.User, Color: step.Presence.Color}
			if step.Presence.Line != 0 || step.Presence.Column != 0 {
				p.Cursor = &awareness.Cursor{Line: step.Presence.Line, Column: step.Presence.Column}
			}
			if _, err := h.node(step.Replica).Engine.Awareness().SetLocal(p); err != nil {
				return fmt.Errorf("flow[%d]: presence: %w", i, err)
			}

		case step.Leave:
			h.node(step.Replica).Engine.Awareness().LeaveLocal()

		case step.Connect != nil:
			ev.Peers = step.Connect
			if err := h.net.Connect(crdt.ReplicaID(step.Connect[0]), crdt.ReplicaID(step.Connect[1])); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}

		case step.Disconnect != nil:
			ev.Peers = step.Disconnect
			if err := h.net.Disconnect(crdt.ReplicaID(step.Disconnect[0]), crdt.ReplicaID(step.Disconnect[1])); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}

		case step.Sync:
			if err := h.settle(); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
		}

		result.Trace = append(result.Trace, ev)
		h.logger.Debug("step executed", "step", i, "action", ev.Action, "replica", ev.Replica, "op", ev.Op)
	}
	return nil
}

func (h *Harness) node(id string) *testutil.Node {
	return h.net.Node(crdt.ReplicaID(id))
}

func (h *Harness) edit(step Step) (crdt.Operation, error) {
	var in crdt.Intent
	switch {
	case step.Insert != nil:
		in = crdt.Insert{Pos: step.Insert.Pos, Text: step.Insert.Text}
	case step.Delete != nil:
		in = crdt.Delete{Pos: step.Delete.Pos, Len: step.Delete.Len}
	default:
		in = crdt.Format{Pos: step.Format.Pos, Len: step.Format.Len, Key: step.Format.Key, Value: step.Format.Value}
	}
	return h.node(step.Replica).Engine.Apply(in)
}

// checkEditError compares an edit's outcome with its expect clause.
func checkEditError(i int, expect *ExpectClause, err error) string {
	if expect == nil {
		if err != nil {
			return fmt.Sprintf("flow[%d]: edit failed: %v", i, err)
		}
		return ""
	}
	if err == nil {
		return fmt.Sprintf("flow[%d]: expected %s, edit succeeded", i, expect.Error)
	}
	want := crdt.ErrInvalidRange
	if expect.Error == ErrorEmptyEdit {
		want = crdt.ErrEmptyEdit
	}
	if !errors.Is(err, want) {
		return fmt.Sprintf("flow[%d]: expected %s, got %v", i, expect.Error, err)
	}
	return ""
}

func (h *Harness) settle() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.net.Settle(ctx)
}

// snapshot captures every replica in scenario order.
func (h *Harness) snapshot() []ReplicaState {
	nodes := h.net.Nodes()
	out := make([]ReplicaState, 0, len(nodes))
	for _, n := range nodes {
		doc := n.Engine.Doc()

		content := []Segment{}
		for _, seg := range doc.Content() {
			content = append(content, Segment{Text: seg.Text, Attrs: seg.Attrs})
		}

		vector := make(map[string]uint64)
		for r, c := range doc.StateVector() {
			vector[string(r)] = c
		}

		states := n.Engine.Awareness().States()
		presence := make([]PresenceState, 0, len(states))
		for r, rec := range states {
			presence = append(presence, PresenceState{
				Replica: string(r),
				Counter: rec.Counter,
				User:    rec.Presence.User,
			})
		}
		sort.Slice(presence, func(i, j int) bool { return presence[i].Replica < presence[j].Replica })

		out = append(out, ReplicaState{
			ID:         string(n.ID),
			Text:       doc.Snapshot(),
			Content:    content,
			Vector:     vector,
			Pending:    len(doc.Pending()),
			Tombstones: doc.Tombstones(),
			Presence:   presence,
		})
	}
	return out
}
