// Command replicore serves, tests, and inspects replicated CRDT stores.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/replicore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "replicore:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
