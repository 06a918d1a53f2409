package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/collab/internal/codec"
)

// DecodedMessage is the decode command's output.
type DecodedMessage struct {
	Type    string        `json:"type"`
	Size    int           `json:"size"`
	Summary string        `json:"summary"`
	Message codec.Message `json:"message"`
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode one wire message",
		Long: `Decode a hex-encoded wire message and print its contents.

Whitespace and a leading 0x are ignored, so hex dumps paste directly.
A payload that does not decode exits with code 1 and reports the byte
offset where decoding failed.

Examples:
  collab decode "$(xxd -p message.bin)"
  collab decode 0100 0201 4103 0143 ac02 --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runDecode(opts *RootOptions, args []string, cmd *cobra.Command) error {
	raw := strings.Join(strings.Fields(strings.Join(args, " ")), "")
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	payload, err := hex.DecodeString(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid hex", err)
	}

	out := newFormatter(opts, cmd)
	m, err := codec.Decode(payload)
	if err != nil {
		var details any
		var derr *codec.DecodeError
		if errors.As(err, &derr) {
			details = map[string]int{"offset": derr.Offset}
		}
		if ferr := out.Error("E_DECODE", err.Error(), details); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "decode failed", err)
	}

	msg := DecodedMessage{
		Type:    m.Type().String(),
		Size:    len(payload),
		Summary: describe(m),
		Message: m,
	}
	return out.Result(msg, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%d bytes)\n%s\n", msg.Type, msg.Size, msg.Summary)
	})
}
