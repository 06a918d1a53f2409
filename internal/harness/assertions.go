package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the settled states to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	State    []ReplicaState
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.State) > 0 {
		fmt.Fprintf(&buf, "\nReplicas:\n")
		for _, s := range e.State {
			fmt.Fprintf(&buf, "  %s: %q pending=%d\n", s.ID, s.Text, s.Pending)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	if a.Type == AssertConverged {
		return assertConverged(result, a)
	}

	state, ok := result.Replica(a.Replica)
	if !ok {
		return fmt.Errorf("replica %q not in result", a.Replica)
	}

	switch a.Type {
	case AssertText:
		return assertText(result, state, a)
	case AssertContent:
		return assertContent(result, state, a)
	case AssertPresence:
		return assertPresence(result, state, a)
	case AssertPending:
		return assertPending(result, state, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertConverged checks that the replicas share one document: equal text,
// attribute runs and state vectors.
func assertConverged(result *Result, a Assertion) error {
	states := result.State
	if len(a.Replicas) > 0 {
		states = states[:0:0]
		for _, id := range a.Replicas {
			s, ok := result.Replica(id)
			if !ok {
				return fmt.Errorf("replica %q not in result", id)
			}
			states = append(states, s)
		}
	}
	if len(states) < 2 {
		return nil
	}

	first := states[0]
	for _, s := range states[1:] {
		if s.Text != first.Text || !sameSegments(s.Content, first.Content) || !sameVector(s.Vector, first.Vector) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s equal to %s: %q %v", s.ID, first.ID, first.Text, first.Vector),
				Actual:   fmt.Sprintf("%q %v", s.Text, s.Vector),
				State:    result.State,
			}
		}
	}
	return nil
}

func assertText(result *Result, s ReplicaState, a Assertion) error {
	if s.Text != *a.Expect {
		return &AssertionError{
			Type:     AssertText,
			Expected: fmt.Sprintf("%s text %q", s.ID, *a.Expect),
			Actual:   fmt.Sprintf("%q", s.Text),
			State:    result.State,
		}
	}
	return nil
}

func assertContent(result *Result, s ReplicaState, a Assertion) error {
	if !sameSegments(s.Content, a.Segments) {
		return &AssertionError{
			Type:     AssertContent,
			Expected: fmt.Sprintf("%s content %s", s.ID, formatSegments(a.Segments)),
			Actual:   formatSegments(s.Content),
			State:    result.State,
		}
	}
	return nil
}

func assertPresence(result *Result, s ReplicaState, a Assertion) error {
	var found *PresenceState
	for i := range s.Presence {
		if s.Presence[i].Replica == a.Of {
			found = &s.Presence[i]
			break
		}
	}

	switch {
	case a.Absent && found != nil:
		return &AssertionError{
			Type:     AssertPresence,
			Expected: fmt.Sprintf("%s has no presence for %s", s.ID, a.Of),
			Actual:   fmt.Sprintf("user %q counter %d", found.User, found.Counter),
		}
	case !a.Absent && found == nil:
		return &AssertionError{
			Type:     AssertPresence,
			Expected: fmt.Sprintf("%s sees presence of %s", s.ID, a.Of),
			Actual:   "no record",
		}
	case found != nil && a.User != "" && found.User != a.User:
		return &AssertionError{
			Type:     AssertPresence,
			Expected: fmt.Sprintf("%s sees %s as user %q", s.ID, a.Of, a.User),
			Actual:   fmt.Sprintf("user %q", found.User),
		}
	}
	return nil
}

func assertPending(result *Result, s ReplicaState, a Assertion) error {
	if s.Pending != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%s buffers %d operations", s.ID, a.Count),
			Actual:   fmt.Sprintf("%d", s.Pending),
			State:    result.State,
		}
	}
	return nil
}

func sameSegments(a, b []Segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Text != b[i].Text || len(a[i].Attrs) != len(b[i].Attrs) {
			return false
		}
		for k, v := range a[i].Attrs {
			if bv, ok := b[i].Attrs[k]; !ok || bv != v {
				return false
			}
		}
	}
	return true
}

func sameVector(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func formatSegments(segs []Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		if len(s.Attrs) == 0 {
			parts[i] = fmt.Sprintf("%q", s.Text)
		} else {
			parts[i] = fmt.Sprintf("%q%v", s.Text, s.Attrs)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
