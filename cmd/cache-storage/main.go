package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cachestorage "github.com/always-cache/cache-storage"
	"github.com/always-cache/cache-storage/backend"
	"github.com/always-cache/cache-storage/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	driverFlag         string
	dsnFlag            string
	listenFlag         string
	verbosityDebugFlag bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string

	rootCmd = &cobra.Command{
		Use:           "cache-storage",
		Short:         "Durable named caches of HTTP responses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flags.StringVar(&driverFlag, "driver", "", "Backend driver: sqlite, postgres or leveldb (overrides config)")
	flags.StringVar(&dsnFlag, "dsn", "", "Backend data source, e.g. the db file name ('memory' for in-memory db)")
	flags.BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	flags.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies the flag overrides.
func loadConfig() (cachestorage.FileConfig, error) {
	config := cachestorage.DefaultFileConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = cachestorage.LoadConfig(configFilenameFlag); err != nil {
			return config, err
		}
	}
	if driverFlag != "" {
		config.Backend.Driver = driverFlag
	}
	if dsnFlag != "" {
		config.Backend.DSN = dsnFlag
	}
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if logFilenameFlag != "" {
		config.Log.File = logFilenameFlag
	}
	return config, nil
}

// setupLogger configures the global logger. Commands other than serve only
// log warnings unless verbosity is requested.
func setupLogger(config cachestorage.FileConfig, defaultLevel zerolog.Level) error {
	logLevel := defaultLevel
	if configFilenameFlag != "" && config.Log.Level != "" {
		logLevel = config.LogLevel()
	}
	if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stderr
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stderr})
	if config.Log.File != "" {
		logFileOutput, err := os.OpenFile(config.Log.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// openStorage sets up logging and opens the configured storage.
func openStorage(ctx context.Context, defaultLevel zerolog.Level) (*cachestorage.CacheStorage, cachestorage.FileConfig, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, config, err
	}
	if err := setupLogger(config, defaultLevel); err != nil {
		return nil, config, err
	}

	b, err := backend.Open(config.Backend)
	if err != nil {
		return nil, config, err
	}
	storage, err := cachestorage.New(ctx, cachestorage.Config{
		Backend: b,
		Fetcher: cachestorage.HTTPFetcher{Client: &http.Client{Timeout: config.Fetch.Timeout}},
		Logger:  &log.Logger,
	})
	if err != nil {
		b.Close()
		return nil, config, err
	}
	return storage, config, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cache storage HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, config, err := openStorage(cmd.Context(), zerolog.DebugLevel)
		if err != nil {
			return err
		}
		defer storage.Close()

		handler := server.New(server.Config{Storage: storage, Logger: &log.Logger})
		srv := &http.Server{
			Addr:              config.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-cmd.Context().Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()

		log.Info().Msgf("Serving %s backend on %s", config.Backend.Driver, config.Listen)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		log.Info().Msg("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
