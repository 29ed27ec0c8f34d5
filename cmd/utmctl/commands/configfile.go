package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// rawConfig is a loose YAML document, edited and rewritten field-by-field
// rather than round-tripped through the daemon's typed config.Config. This
// keeps utmctl from clobbering keys it doesn't understand (future fields)
// when it only needs to touch peers/listeners. Comments in the file are
// not preserved when it is rewritten.
type rawConfig map[string]any

func readRawConfig(path string) (rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := rawConfig{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func writeRawConfig(path string, cfg rawConfig) error {
	data, err := yaml.Marshal(map[string]any(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c rawConfig) stringList(key string) []string {
	raw, ok := c[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c rawConfig) peerLocators() []string {
	raw, ok := c["peers"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if loc, ok := v["locator"].(string); ok {
				out = append(out, loc)
			}
		}
	}
	return out
}

func (c rawConfig) setPeerLocators(locators []string) {
	peers := make([]any, 0, len(locators))
	for _, loc := range locators {
		peers = append(peers, map[string]any{"locator": loc})
	}
	c["peers"] = peers
}

func (c rawConfig) setListeners(listeners []string) {
	items := make([]any, 0, len(listeners))
	for _, l := range listeners {
		items = append(items, l)
	}
	c["listeners"] = items
}

// signalDaemon sends SIGHUP to the PID recorded in pidFile, prompting the
// running daemon to reload its configuration and reconcile peers/listeners.
func signalDaemon() error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("read pidfile %s: %w", pidFile, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid from %s: %w", pidFile, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	return nil
}
