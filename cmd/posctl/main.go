package main

import (
	"fmt"
	"os"

	"stallpos/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "posctl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
