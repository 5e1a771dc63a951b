// Command octoplane-runner is the per-user process supervisor: it owns
// one Linux user's agent subprocess table behind a Unix socket at a
// deterministic path, and refuses to spawn anything that would run as a
// different uid than its own.
package main

import (
	"fmt"
	"os"

	"github.com/octoplane/octoplane/cmd/octoplane-runner/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
