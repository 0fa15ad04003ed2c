package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/txnd"
	"pkt.systems/txnd/internal/version"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TXND_CONFIG_DIR", t.TempDir())
	t.Setenv("TXND_CONFIG", "")
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	return executeCommand(t, cmd, args...)
}

func executeCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolateEnv(t)
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--store=mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"txn", "state", "1"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "log", "dump"}, want: false},
		{name: "boolean flag keeps next token", args: []string{"--enable-profiling-metrics", "version"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigPrecedence(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := "store: disk:///srv/txnd\nmax-lease: 30m\nsettler-workers: 9\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TXND_SETTLER_WORKERS", "3")

	cmd, v := buildRootCommand(pslog.NoopLogger())
	if err := cmd.ParseFlags([]string{"--config", cfgPath, "--default-lease", "2m"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := loadConfigFile(v); err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg := bindConfig(v)
	if cfg.Store != "disk:///srv/txnd" {
		t.Fatalf("store = %q", cfg.Store)
	}
	if cfg.MaxLease != 30*time.Minute {
		t.Fatalf("max lease = %s", cfg.MaxLease)
	}
	if cfg.DefaultLease != 2*time.Minute {
		t.Fatalf("default lease = %s, want flag value", cfg.DefaultLease)
	}
	if cfg.SettlerWorkers != 3 {
		t.Fatalf("settler workers = %d, want env to win over file", cfg.SettlerWorkers)
	}
	if cfg.Listen != txnd.DefaultListen {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMissingExplicitConfigFails(t *testing.T) {
	isolateEnv(t)
	_, _, err := executeRootCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--listen", "127.0.0.1:0")
	if err == nil || !strings.Contains(err.Error(), "nope.yaml") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	isolateEnv(t)
	cmd := newRootCommand(pslog.NoopLogger())
	cmd.SetArgs([]string{"--listen", "127.0.0.1:0", "--store", "mem://"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
