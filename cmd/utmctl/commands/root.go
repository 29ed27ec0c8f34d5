package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the admin-space HTTP front end address (host:port).
	serverAddr string

	// configPath is the daemon's YAML configuration file, edited in place
	// by the peer/listener administrative verbs.
	configPath string

	// pidFile names the file holding the running daemon's PID, used to
	// deliver SIGHUP after editing configPath.
	pidFile string
)

// rootCmd is the top-level cobra command for utmctl.
var rootCmd = &cobra.Command{
	Use:   "utmctl",
	Short: "CLI client for the utmd unicast transport manager daemon",
	Long:  "utmctl queries the utmd admin space over HTTP and edits the daemon's declarative configuration.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"utmd admin-space address (host:port)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/utmd/utmd.yml",
		"utmd daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&pidFile, "pidfile", "/var/run/utmd.pid",
		"file containing the running utmd daemon's PID")

	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(listenerCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
