package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/ticketd"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(pslog.NewStructured(io.Discard))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitStdoutIsValid(t *testing.T) {
	out, err := runCommand(t, "config", "init", "--stdout", "--nodes", "5")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	var cfg ticketd.Config
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config does not validate: %v", err)
	}
	if len(cfg.Members) != 5 {
		t.Fatalf("generated members = %d, want 5", len(cfg.Members))
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketd.yaml")
	if _, err := runCommand(t, "config", "init", "--out", path); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := runCommand(t, "config", "init", "--out", path); err == nil {
		t.Fatal("second init without --force should fail")
	}
	if _, err := runCommand(t, "config", "init", "--out", path, "--force"); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestConfigShowValidatesRoster(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("members:\n  - id: a\n    priority: 1\n  - id: b\n    priority: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCommand(t, "config", "show", good)
	if err != nil {
		t.Fatalf("show good config: %v", err)
	}
	if !strings.Contains(out, "id: a") {
		t.Fatalf("show output missing roster:\n%s", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("members:\n  - id: a\n    priority: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCommand(t, "config", "show", bad); err == nil {
		t.Fatal("show must reject out-of-range priority")
	}
}

func TestVersionCommandPrintsModule(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "ticketd") {
		t.Fatalf("version output %q does not mention the module", out)
	}
}

func TestSimulateShortRunHoldsExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("simulation is slow")
	}
	out, err := runCommand(t, "simulate",
		"--nodes", "3", "--workers", "3", "--seed", "7",
		"--duration", "2s", "--churn-interval", "0",
		"--obtention-timeout", "1s", "--hold-duration", "3s")
	if err != nil {
		t.Fatalf("simulate: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "mutual exclusion held") {
		t.Fatalf("unexpected simulate output:\n%s", out)
	}
}
