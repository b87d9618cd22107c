package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/tablewatch/internal/config"
	"github.com/andresmejia3/tablewatch/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg config.Config
	// DB is the claim store, opened lazily by the commands that need it
	DB store.ClaimStore
	// Log is the process logger
	Log *slog.Logger

	configPath string
	dbURL      string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "tablewatch",
	Short:   "Playing-card detection workers for live table streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.DB = dbURL
		}
		Log = newLogger(os.Stderr, Cfg.LogFormat, Cfg.LogLevel)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to close the store cleanly.
			DB.Close(context.Background())
		}
	},
}

// storeOpener is replaced in tests.
var storeOpener = store.Open

// openStore connects to the claim store named by the configuration.
func openStore(ctx context.Context) error {
	var err error
	DB, err = storeOpener(ctx, Cfg.DB)
	if err != nil {
		DB = nil
		return fmt.Errorf("failed to connect to stream store: %w", err)
	}
	return nil
}

// waitForStore retries openStore every retry while the store is unreachable.
// Errors other than store.ErrStoreUnavailable, and cancellation, end the wait.
func waitForStore(ctx context.Context, retry time.Duration, log *slog.Logger) error {
	for {
		err := openStore(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		log.Warn("Stream store unavailable", "retry_in", retry, "err", err)

		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// storeKind names the backend a DSN selects, for logs. It never echoes credentials.
func storeKind(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// newLogger builds the slog logger; format is "text" or "json".
func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the YAML settings file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Stream store DSN: postgres://... or sqlite://path (default: from settings)")
}
