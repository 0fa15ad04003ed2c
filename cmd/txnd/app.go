package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/txnd"
	"pkt.systems/txnd/internal/loggingutil"
)

const envPrefix = "TXND"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TXND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txnd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args start the server rather
// than a subcommand. Server failures are logged; subcommand failures go to
// stderr as plain text.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			flag := root.Flags().ShorthandLookup(arg[1:2])
			if flag == nil {
				flag = root.PersistentFlags().ShorthandLookup(arg[1:2])
			}
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" && len(arg) == 2 {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommand(root *cobra.Command, rest []string) bool {
	for _, tok := range rest {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd, _ := buildRootCommand(baseLogger)
	return cmd
}

func buildRootCommand(baseLogger pslog.Logger) (*cobra.Command, *viper.Viper) {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "txnd",
		Short:         "txnd is a two-phase commit transaction coordinator with a durable log",
		SilenceErrors: true,
		Example: `
  # In-memory log (tests/dev only)
  txnd --store mem://

  # Append-only segment files rooted at /var/lib/txnd
  txnd --store disk:///var/lib/txnd

  # Single-file bolt database
  txnd --store bolt:///var/lib/txnd/txn.db

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  TXND_STORE=s3://localhost:9000/txnd/log?insecure=1 TXND_S3_ACCESS_KEY_ID=minioadmin TXND_S3_SECRET_ACCESS_KEY=minioadmin txnd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), v, baseLogger)
		},
	}

	flags := cmd.Flags()
	cmd.PersistentFlags().StringP("config", "c", "", fmt.Sprintf("config file (defaults to $HOME/.txnd/%s when present)", txnd.DefaultConfigFileName))
	cmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("listen", txnd.DefaultListen, "API listen address")
	flags.String("metrics-listen", txnd.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", txnd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics listener")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers and participant calls")
	flags.String("store", txnd.DefaultStore, "transaction log URL (mem://, disk:///dir, bolt:///file.db, s3://host/bucket/prefix)")
	flags.Int("store-retry-attempts", txnd.DefaultStoreRetryMaxAttempts, "attempts for transient log errors")
	flags.Duration("store-retry-base-delay", txnd.DefaultStoreRetryBaseDelay, "first delay between log retries")
	flags.Duration("store-retry-max-delay", txnd.DefaultStoreRetryMaxDelay, "maximum delay between log retries")
	flags.Float64("store-retry-multiplier", txnd.DefaultStoreRetryMultiplier, "backoff multiplier between log retries")
	flags.String("s3-access-key-id", "", "S3 access key id (falls back to TXND_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret access key (falls back to TXND_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("s3-region", "", "S3 region")
	flags.Duration("default-lease", txnd.DefaultLease, "lease granted when create asks for none")
	flags.Duration("max-lease", txnd.DefaultMaxLease, "ceiling for any granted lease")
	flags.Int("participant-workers", txnd.DefaultParticipantWorkers, "workers calling participants")
	flags.Duration("participant-timeout", txnd.DefaultParticipantTimeout, "timeout for one participant call")
	flags.Int("prepare-attempts", txnd.DefaultPrepareAttempts, "attempts per participant prepare")
	flags.Int("abort-attempts", txnd.DefaultAbortAttempts, "attempts per participant abort")
	flags.Duration("retry-base-delay", txnd.DefaultRetryBaseDelay, "first participant retry delay")
	flags.Duration("retry-max-delay", txnd.DefaultRetryMaxDelay, "maximum participant retry delay")
	flags.Float64("retry-multiplier", txnd.DefaultRetryMultiplier, "participant retry backoff multiplier")
	flags.Int("settler-workers", txnd.DefaultSettlerWorkers, "workers settling unfinished transactions")
	flags.Duration("settler-requeue-delay", txnd.DefaultSettlerRequeueDelay, "delay before retrying settlement of one transaction")
	flags.Float64("settler-requeue-rate", txnd.DefaultSettlerRequeueRate, "requeues per second across the settler")
	flags.Duration("retain-settled", txnd.DefaultRetainSettled, "how long settled outcomes stay queryable (negative forgets at once)")
	flags.Duration("recovery-timeout", txnd.DefaultRecoveryTimeout, "bound on the startup log replay")
	flags.Duration("shutdown-timeout", txnd.DefaultShutdownTimeout, "bound on graceful shutdown")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, set := range []*pflag.FlagSet{cmd.PersistentFlags(), flags} {
		set.VisitAll(func(flag *pflag.Flag) {
			if err := v.BindPFlag(flag.Name, flag); err != nil {
				panic(err)
			}
		})
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newTxnCommand(baseLogger))
	cmd.AddCommand(newLogCommand(v, baseLogger))
	return cmd, v
}

func runServer(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) error {
	logger := applyLogLevel(baseLogger, v)
	cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
	loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to txnd",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return err
	}
	srv, stop, err := txnd.StartServer(ctx, cfg, txnd.WithLogger(logger))
	if err != nil {
		return err
	}
	stats := srv.Recovered()
	cliLogger.Info("server.ready",
		"listen", srv.ListenerAddr().String(),
		"store", cfg.Store,
		"instance_id", srv.InstanceID(),
		"recovered_records", stats.Records,
		"recovered_transactions", stats.Transactions,
	)
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	cliLogger.Info("server.stopped")
	return nil
}

func applyLogLevel(logger pslog.Logger, v *viper.Viper) pslog.Logger {
	raw := strings.TrimSpace(v.GetString("log-level"))
	if raw == "" {
		return logger
	}
	if level, ok := pslog.ParseLevel(raw); ok {
		return logger.LogLevel(level)
	}
	return logger
}

func bindConfig(v *viper.Viper) txnd.Config {
	return txnd.Config{
		Listen:                 v.GetString("listen"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		DisableHTTPTracing:     v.GetBool("disable-http-tracing"),
		Store:                  v.GetString("store"),
		StoreRetryMaxAttempts:  v.GetInt("store-retry-attempts"),
		StoreRetryBaseDelay:    v.GetDuration("store-retry-base-delay"),
		StoreRetryMaxDelay:     v.GetDuration("store-retry-max-delay"),
		StoreRetryMultiplier:   v.GetFloat64("store-retry-multiplier"),
		S3AccessKeyID:          v.GetString("s3-access-key-id"),
		S3SecretAccessKey:      v.GetString("s3-secret-access-key"),
		S3SessionToken:         v.GetString("s3-session-token"),
		S3Region:               v.GetString("s3-region"),
		DefaultLease:           v.GetDuration("default-lease"),
		MaxLease:               v.GetDuration("max-lease"),
		ParticipantWorkers:     v.GetInt("participant-workers"),
		ParticipantTimeout:     v.GetDuration("participant-timeout"),
		PrepareAttempts:        v.GetInt("prepare-attempts"),
		AbortAttempts:          v.GetInt("abort-attempts"),
		RetryBaseDelay:         v.GetDuration("retry-base-delay"),
		RetryMaxDelay:          v.GetDuration("retry-max-delay"),
		RetryMultiplier:        v.GetFloat64("retry-multiplier"),
		SettlerWorkers:         v.GetInt("settler-workers"),
		SettlerRequeueDelay:    v.GetDuration("settler-requeue-delay"),
		SettlerRequeueRate:     v.GetFloat64("settler-requeue-rate"),
		RetainSettled:          v.GetDuration("retain-settled"),
		RecoveryTimeout:        v.GetDuration("recovery-timeout"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
	}
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := txnd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, txnd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// durationOrForever renders a wait budget for CLI output.
func durationOrForever(d time.Duration) string {
	if d < 0 {
		return "forever"
	}
	return d.String()
}
