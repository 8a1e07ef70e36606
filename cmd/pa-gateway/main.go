package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/priorauth/gateway/internal/config"
	"github.com/priorauth/gateway/internal/platform/audit"
	"github.com/priorauth/gateway/internal/platform/auth"
	"github.com/priorauth/gateway/internal/platform/db"
	"github.com/priorauth/gateway/internal/platform/upstream"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pa-gateway",
		Short:        "Prior-authorization session gateway",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkUpstreamCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func claimsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claims <token>",
		Short: "Print the claims carried by a session token and the gateway's verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printClaims(cmd.OutOrStdout(), args[0], cfg.RequiredRole, time.Now())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit store schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func checkUpstreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-upstream",
		Short: "Call the upstream health endpoint through the proxy client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := newUpstreamClient(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			resp, err := client.Forward(cmd.Context(), upstream.Request{Method: http.MethodGet, Path: "/health"})
			if err != nil {
				return fmt.Errorf("upstream %s unreachable: %w", client.BaseURL(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s answered %d\n", client.BaseURL(), resp.StatusCode)
			if !resp.OK() {
				return fmt.Errorf("upstream unhealthy: status %d", resp.StatusCode)
			}
			return nil
		},
	}
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.AuditEnabled() {
		return errors.New("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, db.Migrations, "migrations"))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// printClaims peeks token the way the guard does and explains the verdict.
func printClaims(w io.Writer, token, requiredRole string, now time.Time) error {
	claims, ok := auth.PeekClaims(strings.TrimSpace(token))
	if !ok {
		fmt.Fprintln(w, "verdict:    invalid (claims could not be read)")
		return nil
	}

	fmt.Fprintf(w, "subject:    %s\n", claims.Subject)
	fmt.Fprintf(w, "expires_at: %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "roles:      %s\n", strings.Join(claims.Roles.Slice(), ", "))

	switch {
	case claims.Expired(now):
		fmt.Fprintln(w, "verdict:    expired")
	case requiredRole != "" && !claims.Roles.Has(requiredRole):
		fmt.Fprintf(w, "verdict:    valid for API calls, missing role %q for pages\n", requiredRole)
	default:
		fmt.Fprintln(w, "verdict:    valid")
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if !cfg.IsProduction() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

func newUpstreamClient(cfg *config.Config, logger zerolog.Logger) (*upstream.Client, error) {
	return upstream.NewClient(cfg.UpstreamBaseURL,
		upstream.WithTimeout(cfg.ProxyTimeout),
		upstream.WithRetries(cfg.ProxyRetries),
		upstream.WithBackoff(cfg.ProxyBackoff),
		upstream.WithDebug(cfg.ProxyDebug),
		upstream.WithLogger(logger.With().Str("component", "upstream").Logger()),
	)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	var recorders audit.Multi
	recorders = append(recorders, audit.NewLogRecorder(logger))

	var pinger db.Pinger
	if cfg.AuditEnabled() {
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to audit store")
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to audit store")
		recorders = append(recorders, audit.NewPGRecorder(pool))
		pinger = pool
	}

	e, err := newServer(cfg, logger, recorders, pinger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("upstream", cfg.UpstreamBaseURL).
			Bool("audit_db", cfg.AuditEnabled()).
			Msg("starting gateway")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
