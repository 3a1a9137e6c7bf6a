package main

import (
	"fmt"
	"os"

	"github.com/dagizoltan/kvrepo/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvrepo:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
