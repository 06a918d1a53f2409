package harness

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Action  string `json:"action"`
	Replica string `json:"replica,omitempty"`
	// Peers holds both replicas of connect and disconnect.
	Peers []string `json:"peers,omitempty"`
	// Op is the ID of the operation an edit produced.
	Op string `json:"op,omitempty"`
	// Error is the expected error an edit was rejected with.
	Error string `json:"error,omitempty"`
}

// ReplicaState is the settled state of one replica.
type ReplicaState struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Content    []Segment         `json:"content"`
	Vector     map[string]uint64 `json:"vector"`
	Pending    int               `json:"pending"`
	Tombstones int               `json:"tombstones"`
	Presence   []PresenceState   `json:"presence"`
}

// PresenceState is one presence record as seen by a replica.
type PresenceState struct {
	Replica string `json:"replica"`
	Counter uint64 `json:"counter"`
	User    string `json:"user,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the settled state of every replica in scenario order.
	State []ReplicaState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Replica returns the settled state of id.
func (r *Result) Replica(id string) (ReplicaState, bool) {
	for _, s := range r.State {
		if s.ID == id {
			return s, true
		}
	}
	return ReplicaState{}, false
}
