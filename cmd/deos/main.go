// Command deos assembles, runs, records, replays and time-travels
// effect-handler bytecode images.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/deos/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
