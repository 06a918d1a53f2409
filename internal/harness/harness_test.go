package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return s
}

func TestRun_HiYo(t *testing.T) {
	s := mustParse(t, `
name: hi_yo
description: d
replicas: [b, a]
flow:
  - { replica: a, insert: { pos: 0, text: "hi" } }
  - { replica: b, insert: { pos: 0, text: "yo" } }
  - connect: [a, b]
assertions:
  - type: converged
`)
	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	// State follows scenario order, not ID order.
	require.Len(t, result.State, 2)
	assert.Equal(t, "b", result.State[0].ID)
	assert.Equal(t, "hiyo", result.State[0].Text)
	assert.Equal(t, "hiyo", result.State[1].Text)
	assert.Equal(t, map[string]uint64{"a": 2, "b": 2}, result.State[1].Vector)
}

func TestRun_PartitionKeepsDocumentsApart(t *testing.T) {
	s := mustParse(t, `
name: partition
description: d
replicas: [a, b]
flow:
  - connect: [a, b]
  - { replica: a, insert: { pos: 0, text: "shared" } }
  - sync: true
  - disconnect: [a, b]
  - { replica: b, insert: { pos: 6, text: "!" } }
assertions:
  - { type: text, replica: a, expect: "shared" }
  - { type: text, replica: b, expect: "shared!" }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_ReconnectMerges(t *testing.T) {
	s := mustParse(t, `
name: reconnect
description: d
replicas: [a, b]
flow:
  - connect: [a, b]
  - { replica: a, insert: { pos: 0, text: "ab" } }
  - sync: true
  - disconnect: [a, b]
  - { replica: a, delete: { pos: 0, len: 1 } }
  - { replica: b, insert: { pos: 2, text: "c" } }
  - connect: [a, b]
assertions:
  - type: converged
  - { type: text, replica: b, expect: "bc" }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_FailedAssertionReported(t *testing.T) {
	s := mustParse(t, `
name: wrong
description: d
replicas: [a]
flow:
  - { replica: a, insert: { pos: 0, text: "x" } }
assertions:
  - { type: text, replica: a, expect: "y" }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[0], `"y"`)
}

func TestRun_UnexpectedEditError(t *testing.T) {
	s := mustParse(t, `
name: bad_edit
description: d
replicas: [a]
flow:
  - { replica: a, delete: { pos: 3, len: 1 } }
assertions:
  - { type: text, replica: a, expect: "" }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "flow[0]: edit failed")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	s := mustParse(t, `
name: lenient
description: d
replicas: [a]
flow:
  - { replica: a, insert: { pos: 0, text: "x" }, expect: { error: invalid_range } }
assertions:
  - { type: pending, replica: a }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "edit succeeded")
}

func TestRun_WrongExpectedError(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: d
replicas: [a]
flow:
  - { replica: a, insert: { pos: 0, text: "" }, expect: { error: invalid_range } }
assertions:
  - { type: pending, replica: a }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected invalid_range")
}

func TestRun_CompactPolicy(t *testing.T) {
	s := mustParse(t, `
name: compact
description: d
replicas: [a]
history_policy: compact
flow:
  - { replica: a, insert: { pos: 0, text: "abc" } }
  - { replica: a, delete: { pos: 2, len: 1 } }
assertions:
  - { type: text, replica: a, expect: "ab" }
`)
	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	// Without peers nothing is acknowledged, so the tombstone stays.
	state, ok := result.Replica("a")
	require.True(t, ok)
	assert.Equal(t, 1, state.Tombstones)
}

func TestRun_BadHistoryPolicy(t *testing.T) {
	s := mustParse(t, `
name: policy
description: d
replicas: [a]
history_policy: forever
flow:
  - sync: true
assertions:
  - type: converged
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown history policy")
}

func TestRun_TraceRecordsEveryStep(t *testing.T) {
	s := mustParse(t, `
name: trace
description: d
replicas: [a, b]
flow:
  - connect: [a, b]
  - { replica: a, presence: { user: ana } }
  - { replica: a, leave: true }
  - sync: true
assertions:
  - { type: presence, replica: b, of: a, absent: true }
`)
	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	require.Len(t, result.Trace, 4)
	for i, want := range []string{"connect", "presence", "leave", "sync"} {
		assert.Equal(t, want, result.Trace[i].Action)
		assert.Equal(t, int64(i+1), result.Trace[i].Seq)
	}
	assert.Equal(t, []string{"a", "b"}, result.Trace[0].Peers)
}
