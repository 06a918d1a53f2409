package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one convergence test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Replicas lists the replica IDs to start.
	Replicas []string `yaml:"replicas"`

	// HistoryPolicy is passed to every Document Store ("retain" or
	// "compact"). Empty means retain.
	HistoryPolicy string `yaml:"history_policy,omitempty"`

	// Flow is executed in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the settled network.
	Assertions []Assertion `yaml:"assertions"`

	// Timeout bounds each settle. Defaults to DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Step is one flow entry. Exactly one action field is set.
type Step struct {
	// Replica performs insert, delete, format, presence and leave.
	Replica string `yaml:"replica,omitempty"`

	Insert   *InsertStep   `yaml:"insert,omitempty"`
	Delete   *RangeStep    `yaml:"delete,omitempty"`
	Format   *FormatStep   `yaml:"format,omitempty"`
	Presence *PresenceStep `yaml:"presence,omitempty"`
	Leave    bool          `yaml:"leave,omitempty"`

	// Connect and Disconnect name two replicas.
	Connect    []string `yaml:"connect,omitempty"`
	Disconnect []string `yaml:"disconnect,omitempty"`

	Sync bool `yaml:"sync,omitempty"`

	// Expect, on an edit step, requires the edit to fail.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// InsertStep inserts text at a visible index.
type InsertStep struct {
	Pos  int    `yaml:"pos"`
	Text string `yaml:"text"`
}

// RangeStep addresses len visible runes from pos.
type RangeStep struct {
	Pos int `yaml:"pos"`
	Len int `yaml:"len"`
}

// FormatStep sets an attribute on a range.
type FormatStep struct {
	Pos   int    `yaml:"pos"`
	Len   int    `yaml:"len"`
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// PresenceStep sets the local presence. Line and column place the cursor
// when either is non-zero.
type PresenceStep struct {
	User   string `yaml:"user"`
	Color  string `yaml:"color,omitempty"`
	Line   int    `yaml:"line,omitempty"`
	Column int    `yaml:"column,omitempty"`
}

// ExpectClause names the error an edit must fail with.
type ExpectClause struct {
	Error string `yaml:"error"`
}

// Expected error names.
const (
	ErrorInvalidRange = "invalid_range"
	ErrorEmptyEdit    = "empty_edit"
)

// Action returns the step's action name.
func (s Step) Action() string {
	switch {
	case s.Insert != nil:
		return "insert"
	case s.Delete != nil:
		return "delete"
	case s.Format != nil:
		return "format"
	case s.Presence != nil:
		return "presence"
	case s.Leave:
		return "leave"
	case s.Connect != nil:
		return "connect"
	case s.Disconnect != nil:
		return "disconnect"
	case s.Sync:
		return "sync"
	default:
		return ""
	}
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Insert != nil, s.Delete != nil, s.Format != nil, s.Presence != nil,
		s.Leave, s.Connect != nil, s.Disconnect != nil, s.Sync,
	} {
		if set {
			n++
		}
	}
	return n
}

func (s Step) isEdit() bool {
	return s.Insert != nil || s.Delete != nil || s.Format != nil
}

// Assertion validates the settled network.
type Assertion struct {
	// Type is converged, text, content, presence or pending.
	Type string `yaml:"type"`

	// Replica is the replica inspected (all but converged).
	Replica string `yaml:"replica,omitempty"`

	// Replicas limits converged to a subset.
	Replicas []string `yaml:"replicas,omitempty"`

	// Expect is the text for text assertions.
	Expect *string `yaml:"expect,omitempty"`

	// Segments are the runs for content assertions.
	Segments []Segment `yaml:"segments,omitempty"`

	// Of, User and Absent drive presence assertions.
	Of     string `yaml:"of,omitempty"`
	User   string `yaml:"user,omitempty"`
	Absent bool   `yaml:"absent,omitempty"`

	// Count is the buffered operation count for pending.
	Count int `yaml:"count,omitempty"`
}

// Segment is an expected attribute run.
type Segment struct {
	Text  string            `yaml:"text" json:"text"`
	Attrs map[string]string `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged = "converged"
	AssertText      = "text"
	AssertContent   = "content"
	AssertPresence  = "presence"
	AssertPending   = "pending"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	known := make(map[string]bool, len(s.Replicas))
	for i, r := range s.Replicas {
		if r == "" {
			return fmt.Errorf("replicas[%d]: empty replica ID", i)
		}
		if known[r] {
			return fmt.Errorf("replicas[%d]: duplicate replica %q", i, r)
		}
		known[r] = true
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step, known); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, known map[string]bool) error {
	switch n := step.actions(); {
	case n == 0:
		return fmt.Errorf("flow[%d]: no action", i)
	case n > 1:
		return fmt.Errorf("flow[%d]: %d actions, want exactly one", i, n)
	}

	switch step.Action() {
	case "insert", "delete", "format", "presence", "leave":
		if !known[step.Replica] {
			return fmt.Errorf("flow[%d]: unknown replica %q", i, step.Replica)
		}
	case "connect", "disconnect":
		pair := step.Connect
		if pair == nil {
			pair = step.Disconnect
		}
		if len(pair) != 2 {
			return fmt.Errorf("flow[%d].%s: want two replicas, got %d", i, step.Action(), len(pair))
		}
		for _, r := range pair {
			if !known[r] {
				return fmt.Errorf("flow[%d].%s: unknown replica %q", i, step.Action(), r)
			}
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("flow[%d].%s: replica %q paired with itself", i, step.Action(), pair[0])
		}
	}

	if step.Expect != nil {
		if !step.isEdit() {
			return fmt.Errorf("flow[%d].expect: only edits can expect an error", i)
		}
		switch step.Expect.Error {
		case ErrorInvalidRange, ErrorEmptyEdit:
		default:
			return fmt.Errorf("flow[%d].expect: unknown error %q", i, step.Expect.Error)
		}
	}
	if step.Format != nil && step.Format.Key == "" {
		return fmt.Errorf("flow[%d].format: key is required", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(i int, a Assertion, known map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", i)
	}

	switch a.Type {
	case AssertConverged:
		for _, r := range a.Replicas {
			if !known[r] {
				return fmt.Errorf("assertions[%d]: unknown replica %q", i, r)
			}
		}
		return nil
	case AssertText:
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for text", i)
		}
	case AssertContent:
	case AssertPresence:
		if !known[a.Of] {
			return fmt.Errorf("assertions[%d]: of names unknown replica %q", i, a.Of)
		}
		if a.Absent && a.User != "" {
			return fmt.Errorf("assertions[%d]: user and absent are exclusive", i)
		}
	case AssertPending:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must not be negative", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
	}

	if !known[a.Replica] {
		return fmt.Errorf("assertions[%d]: unknown replica %q", i, a.Replica)
	}
	return nil
}
