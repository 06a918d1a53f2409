package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/tracelog"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	Room      string
	Replica   string
	Direction string
	Type      string
	Limit     int
}

// TraceLine is one recorded message.
type TraceLine struct {
	Room      string    `json:"room"`
	Replica   string    `json:"replica"`
	Seq       int64     `json:"seq"`
	Direction string    `json:"direction"`
	Conn      uint64    `json:"conn"`
	Type      string    `json:"type"`
	Size      int       `json:"size"`
	Summary   string    `json:"summary"`
	At        time.Time `json:"at"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Total  int            `json:"total"`
	In     int            `json:"in"`
	Out    int            `json:"out"`
	ByType map[string]int `json:"by_type"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Messages []TraceLine `json:"messages"`
	Stats    TraceStats  `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a recorded wire trace",
		Long: `List the wire messages recorded by "collab serve --trace-db".

Messages are ordered by room, replica and sequence number. Each line
shows the direction, the connection, the message type and a decoded
summary of the payload.

Examples:
  collab trace --db ./trace.db
  collab trace --db ./trace.db --room notes --direction in
  collab trace --db ./trace.db --type update --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Room, "room", "", "only this room")
	cmd.Flags().StringVar(&opts.Replica, "replica", "", "only messages recorded by this replica")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "only in or out")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only this message type (sync_step1, update, ...)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "at most this many messages")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	dir := tracelog.Direction(opts.Direction)
	if dir != "" && dir != tracelog.In && dir != tracelog.Out {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q: must be in or out", opts.Direction))
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "limit must not be negative")
	}

	log, err := openTrace(opts.Database)
	if err != nil {
		return err
	}
	defer log.Close()

	entries, err := log.Entries(cmd.Context(), tracelog.Filter{
		Room:      opts.Room,
		Replica:   crdt.ReplicaID(opts.Replica),
		Direction: dir,
		Type:      opts.Type,
		Limit:     opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	result := buildTrace(entries)
	return newFormatter(opts.RootOptions, cmd).Result(result, func(w io.Writer) {
		outputTraceText(w, result)
	})
}

// buildTrace decodes entries into lines. Undecodable payloads keep their
// line with the decode error as summary.
func buildTrace(entries []tracelog.Entry) TraceResult {
	result := TraceResult{
		Messages: make([]TraceLine, 0, len(entries)),
		Stats:    TraceStats{ByType: make(map[string]int)},
	}
	for _, e := range entries {
		line := TraceLine{
			Room:      e.Room,
			Replica:   string(e.Replica),
			Seq:       e.Seq,
			Direction: string(e.Direction),
			Conn:      e.Conn,
			Type:      e.Type,
			Size:      len(e.Payload),
			At:        e.At,
		}
		if m, err := e.Decode(); err != nil {
			line.Summary = "undecodable: " + err.Error()
		} else {
			line.Summary = describe(m)
		}
		result.Messages = append(result.Messages, line)

		result.Stats.Total++
		result.Stats.ByType[e.Type]++
		if e.Direction == tracelog.In {
			result.Stats.In++
		} else {
			result.Stats.Out++
		}
	}
	return result
}

func outputTraceText(w io.Writer, result TraceResult) {
	if len(result.Messages) == 0 {
		fmt.Fprintln(w, "No messages recorded.")
		return
	}
	for _, m := range result.Messages {
		fmt.Fprintf(w, "%s %s #%d %-3s conn=%d %-16s %s\n",
			m.Room, m.Replica, m.Seq, m.Direction, m.Conn, m.Type, m.Summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d messages (%d in, %d out)\n", result.Stats.Total, result.Stats.In, result.Stats.Out)
}
