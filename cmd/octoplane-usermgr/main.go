// Command octoplane-usermgr is the root-owned privileged-action daemon:
// it serves the closed create/delete-user, workspace, and systemd-unit
// operation set over a Unix socket the control plane connects to, and
// refuses to run as anything but root.
package main

import (
	"fmt"
	"os"

	"github.com/octoplane/octoplane/cmd/octoplane-usermgr/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
