// Command utmctl is the CLI client for utmd, the unicast transport manager
// daemon. It queries the daemon's admin space over HTTP and edits the
// daemon's declarative configuration file for peer and listener changes.
package main

import (
	"github.com/lattice-mesh/utmd/cmd/utmctl/commands"
)

func main() {
	commands.Execute()
}
