package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/ticketd"
	"pkt.systems/ticketd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TICKETD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "ticketd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
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

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ticketd",
		Short:         "ticketd hosts a quorum-aware ticket lock cluster",
		SilenceErrors: true,
		Example: `
  # Three-node cluster from a members file, metrics on :9464
  ticketd --members-file /etc/ticketd/members.yaml --metrics-listen :9464

  # Randomized churn run, fixed seed
  ticketd simulate --nodes 5 --seed 42 --duration 30s
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()

			if path, err := loadConfigFile(); err != nil {
				return err
			} else if path != "" {
				cliLogger.Info("loaded config file", "path", path)
			}

			var cfg ticketd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			server, err := ticketd.NewServer(cfg, ticketd.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			cliLogger.Info("cluster running",
				"members", len(cfg.Members),
				"pid", os.Getpid(),
			)

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ticketd.DefaultShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return server.LastRunError()
		},
	}

	// Accept --members_file as an alias of --members-file and so on,
	// matching the env var spelling.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("members-file", "", "YAML roster of cluster members (watched for changes)")
	flags.StringSlice("nodes", nil, "subset of members to host in this process (default all)")
	flags.Duration("obtention-timeout", ticketd.DefaultObtentionTimeout, "how long a lock request may wait before failing")
	flags.Duration("hold-duration", ticketd.DefaultHoldDuration, "default lease on granted locks")
	flags.Duration("retry-interval", ticketd.DefaultRetryInterval, "spacing of LOCKENTERING rebroadcasts")
	flags.Int("max-attempts", ticketd.DefaultMaxAttempts, "LOCKENTERING broadcast attempts before giving up")
	flags.String("metrics-listen", ticketd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", ticketd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint (grpc://host:port, http(s)://host:port)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.Duration("sysdiag-interval", ticketd.DefaultSysdiagInterval, "host diagnostics log cadence (0 disables)")

	viper.SetEnvPrefix("TICKETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(persistentFlags)
	_ = viper.BindPFlags(flags)

	cmd.AddCommand(newSimulateCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
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

func bindConfig(cfg *ticketd.Config) error {
	cfg.MembersFile = strings.TrimSpace(viper.GetString("members-file"))
	cfg.Nodes = viper.GetStringSlice("nodes")
	cfg.ObtentionTimeout = viper.GetDuration("obtention-timeout")
	cfg.HoldDuration = viper.GetDuration("hold-duration")
	cfg.RetryInterval = viper.GetDuration("retry-interval")
	cfg.MaxAttempts = viper.GetInt("max-attempts")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.SysdiagInterval = viper.GetDuration("sysdiag-interval")

	// Inline members from the config file, unless a members file rules.
	if cfg.MembersFile == "" {
		var members []ticketd.MemberConfig
		if err := viper.UnmarshalKey("members", &members); err != nil {
			return fmt.Errorf("parse members: %w", err)
		}
		cfg.Members = members
	}
	if cfg.MembersFile == "" && len(cfg.Members) == 0 {
		return fmt.Errorf("no members configured (use --members-file or a config file with a members list)")
	}
	return nil
}
