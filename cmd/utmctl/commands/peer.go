package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage the daemon's declarative peer list",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured peer locators",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := readRawConfig(configPath)
				if err != nil {
					return err
				}
				for _, loc := range cfg.peerLocators() {
					fmt.Println(loc)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <locator>",
			Short: "Add a peer locator and reload the daemon",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return addPeer(args[0])
			},
		},
		&cobra.Command{
			Use:   "rm <locator>",
			Short: "Remove a peer locator and reload the daemon",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return rmPeer(args[0])
			},
		},
	)

	return cmd
}

func addPeer(locator string) error {
	cfg, err := readRawConfig(configPath)
	if err != nil {
		return err
	}

	locators := cfg.peerLocators()
	for _, existing := range locators {
		if existing == locator {
			return fmt.Errorf("peer %s already configured", locator)
		}
	}
	locators = append(locators, locator)
	cfg.setPeerLocators(locators)

	if err := writeRawConfig(configPath, cfg); err != nil {
		return err
	}
	return signalDaemon()
}

func rmPeer(locator string) error {
	cfg, err := readRawConfig(configPath)
	if err != nil {
		return err
	}

	locators := cfg.peerLocators()
	kept := locators[:0]
	found := false
	for _, existing := range locators {
		if existing == locator {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return fmt.Errorf("peer %s not configured", locator)
	}
	cfg.setPeerLocators(kept)

	if err := writeRawConfig(configPath, cfg); err != nil {
		return err
	}
	return signalDaemon()
}
