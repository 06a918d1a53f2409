// Command collab runs relay servers and headless peers for collaborative
// text rooms, and inspects recorded wire traffic.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/collab/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
