package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func listenerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Manage the daemon's listener locators",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List configured listener locators",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := readRawConfig(configPath)
				if err != nil {
					return err
				}
				for _, loc := range cfg.stringList("listeners") {
					fmt.Println(loc)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <locator>",
			Short: "Add a listener locator and reload the daemon",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return addListener(args[0])
			},
		},
		&cobra.Command{
			Use:   "rm <locator>",
			Short: "Remove a listener locator and reload the daemon",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return rmListener(args[0])
			},
		},
	)

	return cmd
}

func addListener(locator string) error {
	cfg, err := readRawConfig(configPath)
	if err != nil {
		return err
	}

	listeners := cfg.stringList("listeners")
	for _, existing := range listeners {
		if existing == locator {
			return fmt.Errorf("listener %s already configured", locator)
		}
	}
	listeners = append(listeners, locator)
	cfg.setListeners(listeners)

	if err := writeRawConfig(configPath, cfg); err != nil {
		return err
	}
	return signalDaemon()
}

func rmListener(locator string) error {
	cfg, err := readRawConfig(configPath)
	if err != nil {
		return err
	}

	listeners := cfg.stringList("listeners")
	kept := listeners[:0]
	found := false
	for _, existing := range listeners {
		if existing == locator {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return fmt.Errorf("listener %s not configured", locator)
	}
	cfg.setListeners(kept)

	if err := writeRawConfig(configPath, cfg); err != nil {
		return err
	}
	return signalDaemon()
}
