package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd"
	"github.com/MachariaP/linesearchd/internal/svcfields"
)

// Process exit codes of the CLI: 0 clean shutdown, 1 fatal startup
// error, 2 runtime fatal.
const (
	exitOK           = 0
	exitStartupError = 1
	exitRuntimeError = 2
)

// exitCodeError carries a process exit code through cobra's error return.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LINESEARCHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "linesearchd")
	cmd := newRootCommand(baseLogger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitOK
		}
		code := exitStartupError
		var coded exitCodeError
		if errors.As(err, &coded) {
			code = coded.code
		}
		svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		return code
	}
	return exitOK
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "linesearchd",
		Short:         "linesearchd answers exact full-line membership queries against a text file over TCP",
		SilenceErrors: true,
		Example: `
  # Serve /var/lib/linesearchd/200k.txt on the default port
  linesearchd --data-path /var/lib/linesearchd/200k.txt

  # Reread mode: observe file swaps at the cost of per-query scans
  linesearchd --data-path data.txt --reread-on-query

  # TLS with a self-signed certificate (see 'linesearchd cert generate')
  linesearchd --data-path data.txt --tls --tls-cert server.crt --tls-key server.key

  # Load settings from an INI file; flags and LINESEARCHD_* env override
  linesearchd --config /etc/linesearchd/linesearchd.ini
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg linesearchd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := linesearchd.NewServer(cfg, linesearchd.WithLogger(logger))
			if err != nil {
				return exitCodeError{code: exitStartupError, err: err}
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil {
				if server.Ready() {
					return exitCodeError{code: exitRuntimeError, err: err}
				}
				return exitCodeError{code: exitStartupError, err: err}
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to INI config file (defaults to ./"+linesearchd.DefaultConfigFileName+" when present)")

	flags := cmd.Flags()
	flags.String("data-path", "", "text file whose lines form the membership set")
	flags.Bool("reread-on-query", false, "re-scan the data file on every query instead of indexing it once")
	flags.String("host", linesearchd.DefaultHost, "listen address")
	flags.Int("port", linesearchd.DefaultPort, "listen port")
	flags.Int("backlog", linesearchd.DefaultBacklog, "kernel listen queue depth")
	flags.Int("max-workers", linesearchd.DefaultMaxWorkers, "maximum concurrently served connections")
	flags.Int("cache-capacity", linesearchd.DefaultCacheCapacity, "LRU lookup cache entries (0 disables; ignored in reread mode)")
	flags.String("buffer-size", humanizeBytes(linesearchd.DefaultBufferSize), "read buffer size for sockets and file scans")
	flags.String("max-query-bytes", humanizeBytes(linesearchd.DefaultMaxQueryBytes), "hard upper bound on one request line")
	flags.Duration("read-timeout", linesearchd.DefaultReadTimeout, "deadline for reading the request line")
	flags.Duration("write-timeout", linesearchd.DefaultWriteTimeout, "deadline for writing the response line")
	flags.Duration("shutdown-grace", linesearchd.DefaultShutdownGrace, "drain period for in-flight requests on shutdown")
	flags.Duration("sweeper-interval", linesearchd.DefaultSweeperInterval, "idle rate-limit bucket pruning cadence (negative disables)")
	flags.Bool("tls", false, "wrap accepted connections in TLS")
	flags.String("tls-cert", "", "PEM server certificate path")
	flags.String("tls-key", "", "PEM server private key path")
	flags.String("tls-client-ca", "", "PEM CA bundle enabling client certificate verification (optional)")
	flags.Bool("rate-limit", true, "enable the per-IP sliding-window rate limiter")
	flags.Int("requests-per-minute", linesearchd.DefaultRequestsPerMinute, "admitted requests per client IP per minute")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint bind address (empty disables)")
	flags.String("pprof-listen", "", "pprof debug endpoint bind address (empty disables)")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("LINESEARCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"data-path", "reread-on-query", "host", "port", "backlog",
		"max-workers", "cache-capacity", "buffer-size", "max-query-bytes",
		"read-timeout", "write-timeout", "shutdown-grace", "sweeper-interval",
		"tls", "tls-cert", "tls-key", "tls-client-ca",
		"rate-limit", "requests-per-minute",
		"metrics-listen", "pprof-listen", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newCertCommand(svcfields.WithSubsystem(baseLogger, "cli.cert")))
	cmd.AddCommand(newQueryCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// bindConfig maps viper state (flags, env, config file) onto Config.
func bindConfig(cfg *linesearchd.Config) error {
	cfg.DataPath = viper.GetString("data-path")
	if cfg.DataPath == "" {
		// The classic deployment names the data file per platform in the
		// INI file; honour the POSIX key as a fallback.
		cfg.DataPath = viper.GetString("linuxpath")
	}
	cfg.RereadOnQuery = viper.GetBool("reread-on-query")
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.Backlog = viper.GetInt("backlog")
	cfg.MaxWorkers = viper.GetInt("max-workers")
	cfg.CacheCapacity = viper.GetInt("cache-capacity")
	cfg.CacheCapacitySet = viper.IsSet("cache-capacity")
	if size := viper.GetString("buffer-size"); size != "" {
		parsed, err := humanize.ParseBytes(size)
		if err != nil {
			return fmt.Errorf("parse buffer-size: %w", err)
		}
		cfg.BufferSize = int(parsed)
	}
	if size := viper.GetString("max-query-bytes"); size != "" {
		parsed, err := humanize.ParseBytes(size)
		if err != nil {
			return fmt.Errorf("parse max-query-bytes: %w", err)
		}
		cfg.MaxQueryBytes = int64(parsed)
	}
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.ShutdownGrace = viper.GetDuration("shutdown-grace")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.TLSEnabled = viper.GetBool("tls")
	cfg.TLSCertPath = viper.GetString("tls-cert")
	cfg.TLSKeyPath = viper.GetString("tls-key")
	cfg.TLSClientCAPath = viper.GetString("tls-client-ca")
	cfg.RateLimitEnabled = viper.GetBool("rate-limit")
	cfg.RequestsPerMinute = viper.GetInt("requests-per-minute")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	return nil
}

// loadConfigFile reads the INI file named by --config, or the default file
// in the working directory when present.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if _, err := os.Stat(linesearchd.DefaultConfigFileName); err == nil {
			cfgPath = linesearchd.DefaultConfigFileName
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

	viper.SetConfigFile(expanded)
	viper.SetConfigType("ini")
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

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}
