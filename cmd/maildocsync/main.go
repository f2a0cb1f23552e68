// Command maildocsync runs the mail-to-document-database sync daemon:
// a one-way, real-time replication of a local mail store into a remote
// rich-page document database, plus operational subcommands for
// migrations, status, and manual retry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maildocsync/maildocsync/internal/credential"
	"github.com/maildocsync/maildocsync/internal/fetcher"
	"github.com/maildocsync/maildocsync/internal/logging"
	"github.com/maildocsync/maildocsync/internal/model"
	"github.com/maildocsync/maildocsync/internal/projector"
	"github.com/maildocsync/maildocsync/internal/radar"
	"github.com/maildocsync/maildocsync/internal/remote"
	"github.com/maildocsync/maildocsync/internal/scheduler"
	"github.com/maildocsync/maildocsync/internal/store"
)

// Exit codes, per the configuration-error / auth-failure / clean-shutdown
// contract: 0 clean shutdown, 1 unclassified error, 2 configuration
// error, 3 persistent remote-auth failure.
const (
	exitOK             = 0
	exitUnclassified   = 1
	exitConfigError    = 2
	exitAuthPersistent = 3
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "maildocsync",
	Short: "One-way real-time mail-to-document-database sync daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync daemon loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending state store migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewSQLiteStore(cfg.StateDBPath)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()
		fmt.Println("migrations applied")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print sync_status counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewSQLiteStore(cfg.StateDBPath)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()

		counts, err := st.StatusCounts(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading status counts: %w", err)
		}
		for status, n := range counts {
			fmt.Printf("%-14s %d\n", status, n)
		}
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <internal_id>",
	Short: "Clear a record's retry delay so it is retried on the next cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var internalID int64
		if _, err := fmt.Sscanf(args[0], "%d", &internalID); err != nil {
			return fmt.Errorf("invalid internal_id %q: %w", args[0], err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewSQLiteStore(cfg.StateDBPath)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()

		if err := st.ClearRetry(cmd.Context(), internalID); err != nil {
			return fmt.Errorf("requeuing %d: %w", internalID, err)
		}
		auditID := uuid.New().String()
		fmt.Printf("requeued %d (audit %s)\n", internalID, auditID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to ~/.config/maildocsync/config.yaml)")
	rootCmd.AddCommand(runCmd, migrateCmd, statusCmd, requeueCmd)
}

func loadConfig() (*model.AppConfig, error) {
	path := configPath
	if path == "" {
		path = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.RemoteToken = credential.ResolveRemoteToken(cfg.RemoteToken)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDaemon() error {
	logger := logging.Setup(slog.LevelInfo)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(exitConfigError)
	}

	st, err := store.NewSQLiteStore(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	dbPath, err := radar.FindEnvelopeIndex()
	if err != nil {
		logger.Error("locating mail store index", "error", err)
		os.Exit(exitConfigError)
	}
	rd, err := radar.New(dbPath, cfg.Mailboxes())
	if err != nil {
		return fmt.Errorf("constructing radar: %w", err)
	}

	fc := fetcher.New(cfg.MailAccountName, scriptTimeout(cfg.ScriptTimeoutSec))

	rc := remote.NewClient("https://api.notion.com/v1", cfg.RemoteToken)
	pj := projector.New(st, rc, fc, cfg)

	sch := scheduler.New(cfg, st, rd, fc, pj, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("maildocsync starting", "poll_interval_s", cfg.PollIntervalSec, "mailboxes", cfg.Mailboxes())

	runErr := sch.Run(ctx)

	if sch.AuthFailuresExceeded() {
		logger.Error("persistent remote authentication failure, exiting")
		os.Exit(exitAuthPersistent)
	}
	if runErr != nil {
		logger.Error("daemon stopped with error", "error", runErr)
		os.Exit(exitUnclassified)
	}

	logger.Info("maildocsync stopped cleanly")
	os.Exit(exitOK)
	return nil
}

func scriptTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 200
	}
	return time.Duration(seconds) * time.Second
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnclassified)
	}
}
