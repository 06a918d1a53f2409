package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot is the golden record of a scenario: the executed steps and the
// settled replicas.
type Snapshot struct {
	Scenario string         `json:"scenario"`
	Trace    []TraceEvent   `json:"trace"`
	State    []ReplicaState `json:"state"`
}

// SnapshotJSON renders a result as canonical JSON with a trailing newline.
func SnapshotJSON(name string, result *Result) ([]byte, error) {
	data, err := MarshalCanonical(Snapshot{
		Scenario: name,
		Trace:    result.Trace,
		State:    result.State,
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario, fails the test if the scenario fails,
// and compares the snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := SnapshotJSON(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
