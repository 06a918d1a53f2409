package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/collab/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Room     string // optional - specific room only
}

// ReplayRoomResult holds the replay result for a single room.
type ReplayRoomResult struct {
	Room    string `json:"room"`
	Skipped int    `json:"skipped"`
	engine.ReplayResult
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Rooms            []ReplayRoomResult `json:"rooms"`
	TotalRooms       int                `json:"total_rooms"`
	AllDeterministic bool               `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild documents from a trace and verify determinism",
		Long: `Rebuild every recorded room from the operations in its trace.

The operations are merged twice, once in recorded order and once
reversed. Causal buffering must make both runs reach the same text,
formatting and state vector.

Exit codes:
  0 - All rooms replay deterministically
  1 - A room diverged
  2 - Command error (database not found, etc.)

Examples:
  collab replay --db ./trace.db
  collab replay --db ./trace.db --room notes
  collab replay --db ./trace.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Room, "room", "", "replay specific room only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	log, err := openTrace(opts.Database)
	if err != nil {
		return err
	}
	defer log.Close()

	rooms := []string{opts.Room}
	if opts.Room == "" {
		if rooms, err = log.Rooms(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to list rooms", err)
		}
	}

	result := ReplayResult{
		Rooms:            make([]ReplayRoomResult, 0, len(rooms)),
		AllDeterministic: true,
	}
	for _, room := range rooms {
		ops, skipped, err := log.Ops(ctx, room)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read room %s", room), err)
		}
		res, err := engine.VerifyReplay(ops)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("replay of room %s failed", room), err)
		}
		result.Rooms = append(result.Rooms, ReplayRoomResult{Room: room, Skipped: skipped, ReplayResult: res})
		if !res.Matching {
			result.AllDeterministic = false
		}
	}
	result.TotalRooms = len(result.Rooms)

	out := newFormatter(opts.RootOptions, cmd)
	text := func(w io.Writer) { outputReplayText(w, result, opts.Verbose) }
	if !result.AllDeterministic {
		return out.Failure("E_REPLAY_DIVERGED", "replay is not deterministic", result, text)
	}
	return out.Result(result, text)
}

func outputReplayText(w io.Writer, result ReplayResult, verbose bool) {
	if result.TotalRooms == 0 {
		fmt.Fprintln(w, "No rooms recorded.")
		return
	}
	for _, r := range result.Rooms {
		mark := "✓"
		if !r.Matching {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d ops, %d applied, %d pending, vector %s\n",
			mark, r.Room, r.Ops, r.Applied, r.Pending, r.Vector)
		if r.Skipped > 0 {
			fmt.Fprintf(w, "  %d undecodable messages skipped\n", r.Skipped)
		}
		if !r.Matching {
			fmt.Fprintf(w, "  forward: %q\n  reverse: %q\n", r.Text, r.Reverse)
		} else if verbose {
			fmt.Fprintf(w, "  text: %q\n", r.Text)
		}
	}
	fmt.Fprintln(w)
	if result.AllDeterministic {
		fmt.Fprintf(w, "✓ %d room(s) replay deterministically\n", result.TotalRooms)
	} else {
		fmt.Fprintln(w, "✗ replay diverged")
	}
}
