package commands

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "utmd.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestReadRawConfigPeerLocators(t *testing.T) {
	path := writeConfigFile(t, `
listeners:
  - tcp/0.0.0.0:7447
peers:
  - locator: tcp/10.0.0.1:7447
  - locator: tcp/10.0.0.2:7447
`)

	cfg, err := readRawConfig(path)
	if err != nil {
		t.Fatalf("readRawConfig: %v", err)
	}

	locators := cfg.peerLocators()
	if len(locators) != 2 {
		t.Fatalf("expected 2 peer locators, got %d: %v", len(locators), locators)
	}
	if locators[0] != "tcp/10.0.0.1:7447" || locators[1] != "tcp/10.0.0.2:7447" {
		t.Fatalf("unexpected peer locators: %v", locators)
	}

	listeners := cfg.stringList("listeners")
	if len(listeners) != 1 || listeners[0] != "tcp/0.0.0.0:7447" {
		t.Fatalf("unexpected listeners: %v", listeners)
	}
}

func TestSetPeerLocatorsRoundTrip(t *testing.T) {
	path := writeConfigFile(t, `admin:
  addr: ":8080"
peers: []
`)

	cfg, err := readRawConfig(path)
	if err != nil {
		t.Fatalf("readRawConfig: %v", err)
	}

	cfg.setPeerLocators([]string{"tcp/10.0.0.3:7447"})
	if err := writeRawConfig(path, cfg); err != nil {
		t.Fatalf("writeRawConfig: %v", err)
	}

	reloaded, err := readRawConfig(path)
	if err != nil {
		t.Fatalf("re-read config: %v", err)
	}

	locators := reloaded.peerLocators()
	if len(locators) != 1 || locators[0] != "tcp/10.0.0.3:7447" {
		t.Fatalf("unexpected peer locators after round trip: %v", locators)
	}
}

func TestSetListenersRoundTrip(t *testing.T) {
	path := writeConfigFile(t, `listeners: []
`)

	cfg, err := readRawConfig(path)
	if err != nil {
		t.Fatalf("readRawConfig: %v", err)
	}

	cfg.setListeners([]string{"tcp/0.0.0.0:7447", "unixsock//run/utmd.sock"})
	if err := writeRawConfig(path, cfg); err != nil {
		t.Fatalf("writeRawConfig: %v", err)
	}

	reloaded, err := readRawConfig(path)
	if err != nil {
		t.Fatalf("re-read config: %v", err)
	}

	listeners := reloaded.stringList("listeners")
	if len(listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d: %v", len(listeners), listeners)
	}
}

func TestReadRawConfigMissingFile(t *testing.T) {
	if _, err := readRawConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSignalDaemonBadPidFile(t *testing.T) {
	orig := pidFile
	defer func() { pidFile = orig }()

	pidFile = filepath.Join(t.TempDir(), "does-not-exist.pid")
	if err := signalDaemon(); err == nil {
		t.Fatal("expected error for missing pidfile")
	}
}

func TestSignalDaemonBadPidContents(t *testing.T) {
	orig := pidFile
	defer func() { pidFile = orig }()

	path := filepath.Join(t.TempDir(), "bad.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	pidFile = path

	if err := signalDaemon(); err == nil {
		t.Fatal("expected error for non-numeric pidfile contents")
	}
}
