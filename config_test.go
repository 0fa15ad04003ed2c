package txnd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore {
		t.Fatalf("listen/store = %q %q", cfg.Listen, cfg.Store)
	}
	if cfg.DefaultLease != DefaultLease || cfg.MaxLease != DefaultMaxLease {
		t.Fatalf("leases = %s %s", cfg.DefaultLease, cfg.MaxLease)
	}
	if cfg.ParticipantWorkers != DefaultParticipantWorkers || cfg.SettlerWorkers != DefaultSettlerWorkers {
		t.Fatalf("workers = %d %d", cfg.ParticipantWorkers, cfg.SettlerWorkers)
	}
	if cfg.PrepareAttempts != DefaultPrepareAttempts || cfg.StoreRetryMaxAttempts != DefaultStoreRetryMaxAttempts {
		t.Fatalf("attempts = %d %d", cfg.PrepareAttempts, cfg.StoreRetryMaxAttempts)
	}
	if cfg.RetainSettled != DefaultRetainSettled || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("retain/shutdown = %s %s", cfg.RetainSettled, cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"max lease":  {DefaultLease: time.Hour, MaxLease: time.Minute},
		"lease":      {DefaultLease: -time.Second},
		"workers":    {SettlerWorkers: -1},
		"retry":      {RetryBaseDelay: time.Second, RetryMaxDelay: time.Millisecond},
		"multiplier": {RetryMultiplier: 0.5},
		"requeue":    {SettlerRequeueRate: -1},
		"profiling":  {EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "config: ") {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func TestConfigKeepsNegativeRetain(t *testing.T) {
	cfg := Config{RetainSettled: -1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.RetainSettled != -1 {
		t.Fatalf("retain = %s", cfg.RetainSettled)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TXND_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("dir = %q, %v", got, err)
	}
	t.Setenv("TXND_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil || got != filepath.Join(dir, ".txnd") {
		t.Fatalf("home dir = %q, %v", got, err)
	}
}
