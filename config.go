package txnd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/txnd/internal/core"
	"pkt.systems/txnd/internal/job"
	"pkt.systems/txnd/internal/lease"
	"pkt.systems/txnd/internal/settler"
	"pkt.systems/txnd/internal/taskpool"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9451"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory log when no store is provided.
	DefaultStore = "mem://"
	// DefaultLease is granted to transactions created without a lease.
	DefaultLease = lease.DefaultDuration
	// DefaultMaxLease is the hard ceiling enforced on requested leases.
	DefaultMaxLease = lease.DefaultMaxDuration
	// DefaultParticipantWorkers sizes the pool shared by every coordinator.
	DefaultParticipantWorkers = taskpool.DefaultWorkers
	// DefaultSettlerWorkers sizes the settler pool.
	DefaultSettlerWorkers = settler.DefaultWorkers
	// DefaultPrepareAttempts bounds prepare retries per participant.
	DefaultPrepareAttempts = job.DefaultMaxAttempts
	// DefaultAbortAttempts bounds abort retries per participant.
	DefaultAbortAttempts = job.DefaultMaxAttempts
	// DefaultParticipantTimeout bounds a single participant call.
	DefaultParticipantTimeout = job.DefaultCallTimeout
	// DefaultRetryBaseDelay is the first participant retry delay.
	DefaultRetryBaseDelay = taskpool.DefaultBaseDelay
	// DefaultRetryMaxDelay caps participant retry backoff.
	DefaultRetryMaxDelay = taskpool.DefaultMaxDelay
	// DefaultRetryMultiplier grows participant retry backoff.
	DefaultRetryMultiplier = taskpool.DefaultMultiplier
	// DefaultSettlerRequeueDelay spaces settlement attempts for one transaction.
	DefaultSettlerRequeueDelay = settler.DefaultRequeueDelay
	// DefaultSettlerRequeueRate caps requeues per second across the settler.
	DefaultSettlerRequeueRate = float64(settler.DefaultRequeueRate)
	// DefaultRetainSettled keeps settled outcomes answerable by state queries.
	DefaultRetainSettled = core.DefaultRetainSettled
	// DefaultStoreRetryMaxAttempts describes how many transient log errors are retried.
	DefaultStoreRetryMaxAttempts = 6
	// DefaultStoreRetryBaseDelay configures the base delay between log retries.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the exponential backoff between log retries.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultStoreRetryMultiplier defines the exponential backoff ratio.
	DefaultStoreRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps the total graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRecoveryTimeout bounds the startup log replay.
	DefaultRecoveryTimeout = 2 * time.Minute
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a txnd.Server instance.
type Config struct {
	// Listen is the API bind address (for example ":9451").
	Listen string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers and
	// participant calls.
	DisableHTTPTracing bool

	// Store is the log DSN: mem://, disk:///dir, bolt:///file.db or
	// s3://host[:port]/bucket[/prefix].
	Store string
	// StoreRetryMaxAttempts etc. tune retries of transient log errors.
	StoreRetryMaxAttempts int
	StoreRetryBaseDelay   time.Duration
	StoreRetryMaxDelay    time.Duration
	StoreRetryMultiplier  float64

	// S3AccessKeyID and friends authenticate s3:// stores. Empty falls back
	// to TXND_S3_* and then anonymous access.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3Region          string

	// DefaultLease is granted when create asks for no lease.
	DefaultLease time.Duration
	// MaxLease caps every grant.
	MaxLease time.Duration

	// ParticipantWorkers sizes the participant call pool.
	ParticipantWorkers int
	// ParticipantTimeout bounds one participant call.
	ParticipantTimeout time.Duration
	// PrepareAttempts bounds prepare retries per participant.
	PrepareAttempts int
	// AbortAttempts bounds abort retries per participant.
	AbortAttempts int
	// RetryBaseDelay, RetryMaxDelay and RetryMultiplier shape participant
	// retry backoff.
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64

	// SettlerWorkers sizes the settler pool.
	SettlerWorkers int
	// SettlerRequeueDelay spaces settlement attempts for one transaction.
	SettlerRequeueDelay time.Duration
	// SettlerRequeueRate caps requeues per second.
	SettlerRequeueRate float64
	// RetainSettled keeps settled outcomes queryable; negative forgets at once.
	RetainSettled time.Duration

	// RecoveryTimeout bounds the startup log replay.
	RecoveryTimeout time.Duration
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.DefaultLease < 0 || c.MaxLease < 0 {
		return fmt.Errorf("config: lease durations must be >= 0")
	}
	if c.DefaultLease == 0 {
		c.DefaultLease = DefaultLease
	}
	if c.MaxLease == 0 {
		c.MaxLease = DefaultMaxLease
	}
	if c.MaxLease < c.DefaultLease {
		return fmt.Errorf("config: max lease must be >= default lease")
	}
	if c.ParticipantWorkers < 0 || c.SettlerWorkers < 0 {
		return fmt.Errorf("config: worker counts must be >= 0")
	}
	if c.ParticipantWorkers == 0 {
		c.ParticipantWorkers = DefaultParticipantWorkers
	}
	if c.SettlerWorkers == 0 {
		c.SettlerWorkers = DefaultSettlerWorkers
	}
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = DefaultParticipantTimeout
	}
	if c.PrepareAttempts <= 0 {
		c.PrepareAttempts = DefaultPrepareAttempts
	}
	if c.AbortAttempts <= 0 {
		c.AbortAttempts = DefaultAbortAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay must be >= retry base delay")
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	} else if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1")
	}
	if c.SettlerRequeueDelay <= 0 {
		c.SettlerRequeueDelay = DefaultSettlerRequeueDelay
	}
	if c.SettlerRequeueRate < 0 {
		return fmt.Errorf("config: settler requeue rate must be >= 0")
	}
	if c.SettlerRequeueRate == 0 {
		c.SettlerRequeueRate = DefaultSettlerRequeueRate
	}
	if c.RetainSettled == 0 {
		c.RetainSettled = DefaultRetainSettled
	}
	if c.StoreRetryMaxAttempts <= 0 {
		c.StoreRetryMaxAttempts = DefaultStoreRetryMaxAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.StoreRetryMultiplier <= 0 {
		c.StoreRetryMultiplier = DefaultStoreRetryMultiplier
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.txnd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TXND_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".txnd"), nil
}
