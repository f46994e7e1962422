package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFlag          string
	originFlag          string
	addrFlag            string
	hostFlag            string
	listenFlag          string
	providerFlag        string
	dbFilenameFlag      string
	verbosityDebugFlag  bool
	verbosityTraceFlag  bool
	logFilenameFlag     string
	disableProbeFlag    bool
	shutdownTimeoutFlag time.Duration

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "always-offline",
	Short: "Offline-first request interception and caching in front of a web application.",
	Long: `always-offline sits between a web application and its clients. Page
navigations and API calls go to the network first and fall back to stored
copies, static assets are served from the installed app shell, and mutations
can be blocked on command while the client is forced offline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the current generation and serve the application through the offline layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), config)
	},
}

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "List the stores in the cache storage, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		storage, err := alwaysoffline.OpenStorage(config.Storage)
		if err != nil {
			return err
		}
		defer storage.Close()
		names, err := storage.Names()
		if err != nil {
			return err
		}
		for _, name := range names {
			st, err := storage.Open(name)
			if err != nil {
				return err
			}
			n, err := st.Len()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", name, n)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "YAML config file")
	flags.StringVar(&originFlag, "origin", "", "Application origin URL (overrides config)")
	flags.StringVar(&addrFlag, "addr", "", "Upstream address to send origin requests to, e.g. http://10.0.0.5:8080")
	flags.StringVar(&hostFlag, "host", "", "Hostname for TLS negotiation with the upstream")
	flags.StringVar(&providerFlag, "provider", "", "Cache storage provider: sqlite, leveldb or memory")
	flags.StringVar(&dbFilenameFlag, "db", "", "Cache DB file (sqlite) or directory (leveldb)")
	flags.BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	flags.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	serveCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "Address to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&disableProbeFlag, "no-probe", false, "Do not probe the origin for connectivity")
	serveCmd.Flags().DurationVar(&shutdownTimeoutFlag, "shutdown-timeout", 10*time.Second, "Time to let requests finish on shutdown")

	rootCmd.AddCommand(serveCmd, storesCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogger() error {
	// set log level
	logLevel := zerolog.InfoLevel
	if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
	return nil
}

// loadConfig reads the config file, if any, and applies the flag overrides.
// The result is validated by the worker.
func loadConfig() (alwaysoffline.Config, error) {
	config := alwaysoffline.DefaultConfig()
	if configFlag != "" {
		var err error
		if config, err = alwaysoffline.LoadConfig(configFlag); err != nil {
			return config, err
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if addrFlag != "" {
		config.Upstream = addrFlag
	}
	if hostFlag != "" {
		config.UpstreamHost = hostFlag
	}
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if providerFlag != "" {
		config.Storage.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		config.Storage.Path = dbFilenameFlag
	}
	if disableProbeFlag {
		config.Probe.Disabled = true
	}
	// use 'memory' as db name for an in-memory sqlite db, as before
	if config.Storage.Provider == alwaysoffline.ProviderSQLite && config.Storage.Path == "memory" {
		config.Storage.Path = ""
	}
	config.Logger = &log.Logger
	return config, nil
}

func serve(ctx context.Context, config alwaysoffline.Config) error {
	worker, err := alwaysoffline.New(config)
	if err != nil {
		return err
	}
	defer func() {
		if err := worker.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cleanly")
		}
	}()

	if err := worker.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           worker,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Serving %s on %s (generation %s)", config.Origin, config.Listen, config.Generation.Version)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutFlag)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
