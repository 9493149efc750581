// Command vrcx-companion runs the instance presence and feed engine.
package main

import (
	"fmt"
	"os"

	"github.com/fallen-shinigami/VRCX-sub000/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
