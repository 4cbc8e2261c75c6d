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

	"pkt.systems/mldtrace"
	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	envPrefix       = "MLDTRACE"
	shutdownTimeout = 10 * time.Second
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mldtrace")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if ran == cmd {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "mldtrace",
		Short:         "mldtrace starts and stops mld trace sessions on request from a line-based TCP control protocol",
		SilenceErrors: true,
		Example: `
  # Serve on the default port and autostart sessions from /sdcard/mld.conf
  mldtrace

  # Different port and autostart directory, rescanning changed .conf files
  mldtrace -p 4000 -c /data/mld.conf --watch-confpath

  # Expose Prometheus metrics and export traces
  mldtrace --metrics-listen 127.0.0.1:9464 --otlp-endpoint grpc://localhost:4317

  # Talk to a running daemon
  mldtrace ctl -- TRACE -s modem /data/logs -C LOG_D_ACC mld
  mldtrace ctl -- TRACE -q
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to mldtrace",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			server, err := mldtrace.NewServer(cfg, mldtrace.WithLogger(logger))
			if err != nil {
				return err
			}
			stop := context.AfterFunc(ctx, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			})
			defer func() {
				stop()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			return server.Start()
		},
	}

	cmd.PersistentFlags().String("config", "", "path to YAML config file (defaults to $HOME/.mldtrace/"+mldtrace.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.IntP("port", "p", mldtrace.DefaultPort, "TCP port of the control protocol (ignored when --listen is set)")
	flags.StringP("confpath", "c", mldtrace.DefaultConfPath, "directory scanned for *.conf autostart files")
	flags.String("listen", "", "listen address host:port (overrides --port)")
	flags.String("listen-proto", mldtrace.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.Int("max-connections", mldtrace.DefaultMaxConnections, "control clients served at once")
	flags.String("mld-binary", mldtrace.DefaultMLDBinary, "absolute path of the mld binary launched per session")
	flags.Bool("watch-confpath", false, "start sessions from .conf files created or rewritten while running")
	flags.Bool("disable-autostart", false, "skip the startup scan of --confpath")
	flags.String("metrics-listen", mldtrace.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", mldtrace.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlags(v, cmd.PersistentFlags(), "config")
	bindFlags(v, flags,
		"port", "confpath", "listen", "listen-proto", "max-connections", "mld-binary",
		"watch-confpath", "disable-autostart", "metrics-listen", "pprof-listen",
		"enable-profiling-metrics", "otlp-endpoint", "log-level",
	)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newCtlCommand(svcfields.WithSubsystem(baseLogger, "cli.ctl")))
	return cmd
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := fs.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func bindConfig(v *viper.Viper) (mldtrace.Config, error) {
	cfg := mldtrace.Config{
		Listen:                 strings.TrimSpace(v.GetString("listen")),
		ListenProto:            v.GetString("listen-proto"),
		MaxConnections:         v.GetInt("max-connections"),
		ConfPath:               v.GetString("confpath"),
		WatchConfPath:          v.GetBool("watch-confpath"),
		DisableAutostart:       v.GetBool("disable-autostart"),
		MLDBinary:              v.GetString("mld-binary"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
	}
	if cfg.Listen == "" {
		listen, err := mldtrace.ListenForPort(v.GetInt("port"))
		if err != nil {
			return mldtrace.Config{}, err
		}
		cfg.Listen = listen
	}
	if cfg.MaxConnections < 1 {
		return mldtrace.Config{}, fmt.Errorf("max-connections must be >= 1 (got %d)", cfg.MaxConnections)
	}
	return cfg, nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := mldtrace.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, mldtrace.DefaultConfigFileName)
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
		if errors.Is(err, os.ErrNotExist) && !explicit {
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
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
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
