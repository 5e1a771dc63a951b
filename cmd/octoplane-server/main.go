// Command octoplane-server is the control plane: the public HTTP+WS API,
// the session lifecycle state machine, and the background idle/
// reconciliation loops. It runs as the platform's unprivileged service
// user and reaches OS-account provisioning only through the user-manager
// daemon's Unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/octoplane/octoplane/cmd/octoplane-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
