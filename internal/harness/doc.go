// Package harness runs convergence scenarios against real sync engines.
//
// A scenario starts a set of replicas joined by in-memory pipes, drives
// local edits, presence changes and partitions through them, waits for
// the network to settle, and checks the final documents.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: hi_yo
//	description: "Concurrent inserts at the head order by replica ID"
//	replicas: [a, b]
//	flow:
//	  - replica: a
//	    insert: { pos: 0, text: "hi" }
//	  - replica: b
//	    insert: { pos: 0, text: "yo" }
//	  - connect: [a, b]
//	  - sync: true
//	assertions:
//	  - type: converged
//	  - type: text
//	    replica: a
//	    expect: "hiyo"
//
// Replicas start disconnected, so edits made before the first connect are
// concurrent. The network always settles once more after the last step.
//
// # Step Types
//
//   - insert, delete, format: a local edit on replica
//   - presence: set replica's local presence
//   - leave: clear replica's local presence
//   - connect, disconnect: add or cut the pipe between two replicas
//   - sync: wait until every connected group agrees
//
// An edit step may carry expect.error (invalid_range, empty_edit) to
// require that the edit is rejected.
//
// # Assertion Types
//
//   - converged: the listed replicas (default all) hold the same document
//   - text: replica's visible text equals expect
//   - content: replica's attribute runs equal segments
//   - presence: replica sees of, optionally with user; absent: true
//     requires that it does not
//   - pending: replica buffers exactly count operations
//
// # Deterministic Testing
//
// Every replica runs on a mock clock fixed at testutil.Epoch, and the
// snapshot records only values that do not depend on message timing:
// operation IDs, final documents, vectors and presence. Snapshots are
// canonical JSON, compared against golden files with RunWithGolden.
package harness
