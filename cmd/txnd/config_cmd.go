package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/txnd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage txnd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.txnd/" + txnd.DefaultConfigFileName
	if dir, err := txnd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, txnd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default txnd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := txnd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, txnd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; keys match flag names so viper
// reads the file back without translation.
type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	DisableHTTPTracing     bool    `yaml:"disable-http-tracing"`
	Store                  string  `yaml:"store"`
	StoreRetryMaxAttempts  int     `yaml:"store-retry-attempts"`
	StoreRetryBaseDelay    string  `yaml:"store-retry-base-delay"`
	StoreRetryMaxDelay     string  `yaml:"store-retry-max-delay"`
	StoreRetryMultiplier   float64 `yaml:"store-retry-multiplier"`
	S3Region               string  `yaml:"s3-region"`
	DefaultLease           string  `yaml:"default-lease"`
	MaxLease               string  `yaml:"max-lease"`
	ParticipantWorkers     int     `yaml:"participant-workers"`
	ParticipantTimeout     string  `yaml:"participant-timeout"`
	PrepareAttempts        int     `yaml:"prepare-attempts"`
	AbortAttempts          int     `yaml:"abort-attempts"`
	RetryBaseDelay         string  `yaml:"retry-base-delay"`
	RetryMaxDelay          string  `yaml:"retry-max-delay"`
	RetryMultiplier        float64 `yaml:"retry-multiplier"`
	SettlerWorkers         int     `yaml:"settler-workers"`
	SettlerRequeueDelay    string  `yaml:"settler-requeue-delay"`
	SettlerRequeueRate     float64 `yaml:"settler-requeue-rate"`
	RetainSettled          string  `yaml:"retain-settled"`
	RecoveryTimeout        string  `yaml:"recovery-timeout"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                txnd.DefaultListen,
		MetricsListen:         txnd.DefaultMetricsListen,
		PprofListen:           txnd.DefaultPprofListen,
		Store:                 txnd.DefaultStore,
		StoreRetryMaxAttempts: txnd.DefaultStoreRetryMaxAttempts,
		StoreRetryBaseDelay:   txnd.DefaultStoreRetryBaseDelay.String(),
		StoreRetryMaxDelay:    txnd.DefaultStoreRetryMaxDelay.String(),
		StoreRetryMultiplier:  txnd.DefaultStoreRetryMultiplier,
		DefaultLease:          txnd.DefaultLease.String(),
		MaxLease:              txnd.DefaultMaxLease.String(),
		ParticipantWorkers:    txnd.DefaultParticipantWorkers,
		ParticipantTimeout:    txnd.DefaultParticipantTimeout.String(),
		PrepareAttempts:       txnd.DefaultPrepareAttempts,
		AbortAttempts:         txnd.DefaultAbortAttempts,
		RetryBaseDelay:        txnd.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:         txnd.DefaultRetryMaxDelay.String(),
		RetryMultiplier:       txnd.DefaultRetryMultiplier,
		SettlerWorkers:        txnd.DefaultSettlerWorkers,
		SettlerRequeueDelay:   txnd.DefaultSettlerRequeueDelay.String(),
		SettlerRequeueRate:    txnd.DefaultSettlerRequeueRate,
		RetainSettled:         txnd.DefaultRetainSettled.String(),
		RecoveryTimeout:       txnd.DefaultRecoveryTimeout.String(),
		ShutdownTimeout:       txnd.DefaultShutdownTimeout.String(),
		LogLevel:              "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
