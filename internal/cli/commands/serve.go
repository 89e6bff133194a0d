package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fnsched/fnsched/internal/account"
	"github.com/fnsched/fnsched/internal/certs"
	"github.com/fnsched/fnsched/internal/config"
	"github.com/fnsched/fnsched/internal/engine"
	"github.com/fnsched/fnsched/internal/executor"
	"github.com/fnsched/fnsched/internal/server"
	"github.com/fnsched/fnsched/internal/store"
)

const shutdownGrace = 10 * time.Second

// NewServeCommand creates the serve subcommand running the scheduler daemon.
func NewServeCommand() *cobra.Command {
	var (
		host   string
		port   int
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Example: `  fnsched serve
  fnsched serve --host 127.0.0.1 --port 8080 --db /var/lib/fnsched/scheduler.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides SCHEDULER_HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides SCHEDULER_PORT)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides SCHEDULER_DB_PATH)")
	return cmd
}

func runServe(cfg *config.Config) error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Single-instance guard: two daemons over the same database would
	// double-fire every schedule.
	fileLock := flock.New(cfg.DBPath + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("check lock file: %w", err)
	}
	if !locked {
		return fmt.Errorf("another scheduler instance already owns %s", cfg.DBPath)
	}
	defer func() { _ = fileLock.Unlock() }()

	policy := account.NewPolicy(cfg.DefaultAccount)
	if len(policy.ListAllowed()) == 0 {
		return fmt.Errorf("account policy cannot be satisfied: no allowed accounts on this host")
	}

	st, err := store.Open(cfg.DBPath, policy, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	auth, err := server.LoadBasicAuth(cfg.AuthConfigPath)
	if err != nil {
		return err
	}

	certPath, keyPath := cfg.CertPath, cfg.KeyPath
	var generated *certs.Generated
	if cfg.EnableSSL && certPath == "" {
		generated, err = certs.GenerateSelfSigned(cfg.OpenSSLBin, cfg.CertDays, cfg.CertSubject)
		if err != nil {
			return err
		}
		certPath, keyPath = generated.CertPath, generated.KeyPath
		defer generated.Cleanup()
	}
	if cfg.EnableSSL {
		if _, err := os.Stat(certPath); err != nil {
			return fmt.Errorf("certificate %s: %w", certPath, err)
		}
		if _, err := os.Stat(keyPath); err != nil {
			return fmt.Errorf("key %s: %w", keyPath, err)
		}
	}

	exec := executor.New(cfg.TaskTimeoutDuration(), cfg.ConditionTimeoutDuration(), logger)
	eng := engine.New(st, exec, logger)
	srv := server.New(cfg, st, eng, auth, logger)

	// Boot pseudo-event tasks run to completion before the API comes up.
	eng.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(certPath, keyPath)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			eng.Stop()
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}

	// Shutdown pseudo-event tasks run to completion before the store closes.
	eng.Stop()
	return nil
}
