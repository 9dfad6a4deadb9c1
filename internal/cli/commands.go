// Package cli holds the signalist command tree: the API server and the
// administrative one-shot commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"signalist/internal/api"
	"signalist/pkg/config"
	"signalist/pkg/crypto"
)

// NewRootCmd creates the root command.
func NewRootCmd(version string) *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "signalist",
		Short: "Signalist - multi-user automated trading bots",
		Long: `Signalist runs strategy bots for many users against MT5, Deriv, Binance
or a built-in paper broker, with per-bot risk limits, trade reconciliation
and a live event stream.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["config"] == "none" {
				return nil
			}
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			if paperOnly, _ := cmd.Flags().GetBool("paper"); paperOnly {
				loaded.Paper.Only = true
			}
			cfg = loaded
			return nil
		},
	}
	// Subcommands read cfg after PersistentPreRunE has filled it.
	get := func() *config.Config { return cfg }

	rootCmd.AddCommand(newServeCmd(get, version))
	rootCmd.AddCommand(newReconcileCmd(get, version))
	rootCmd.AddCommand(newPaperCheckCmd(get))
	rootCmd.AddCommand(newTokenCmd(get))
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd(version))

	rootCmd.PersistentFlags().Bool("paper", false, "Register only the paper broker (same as PAPER_ONLY=true)")

	return rootCmd
}

// newServeCmd runs the API server with the bot manager and the periodic
// reconciliation until SIGINT or SIGTERM.
func newServeCmd(get func() *config.Config, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, bots and reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), get(), version)
		},
	}
}

func newReconcileCmd(get func() *config.Config, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile open trades against the brokers once",
		Long: `Reconcile open trades against the brokers once and print the result as JSON.
Without --user every user with open trades is processed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return runReconcile(cmd.Context(), get(), version, user)
		},
	}
	cmd.Flags().String("user", "", "Only reconcile this user")
	return cmd
}

func newPaperCheckCmd(get func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paper-check",
		Short: "Exercise the paper broker end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("symbol")
			return runPaperCheck(cmd.Context(), get(), symbol, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("symbol", "EURUSD", "Symbol to quote and trade")
	return cmd
}

func newTokenCmd(get func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := api.IssueToken(user, get().Server.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "User id carried by the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "keygen",
		Short:       "Generate a MASTER_ENCRYPTION_KEY value",
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{"config": "none"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "signalist %s\n", version)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, version string) error {
	logger := newLogger(cfg, os.Stdout)
	a, err := buildApp(cfg, logger, version)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.syncCatalog(ctx); err != nil {
		return fmt.Errorf("sync bot catalog: %w", err)
	}
	a.pool.Start(ctx)
	a.recon.Start(ctx)
	if n := a.bots.Autostart(ctx); n > 0 {
		logger.Info("autostarted bots", "count", n)
	}

	server := api.NewServer(a.engine, a.metrics, api.Options{
		JWTSecret:      cfg.Server.JWTSecret,
		AdminUsers:     cfg.Server.AdminUsers,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})
	srv := server.HTTPServer(":" + cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", srv.Addr, "version", version, "paper_only", cfg.Paper.Only)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("api server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bot.StopGracePeriod+10*time.Second)
	defer cancel()
	srv.SetKeepAlivesEnabled(false)
	// Closing the bus ends every live stream so Shutdown is not held open.
	a.bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	a.recon.Stop()
	a.bots.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return serveErr
}

func runReconcile(ctx context.Context, cfg *config.Config, version, user string) error {
	logger := newLogger(cfg, os.Stderr)
	a, err := buildApp(cfg, logger, version)
	if err != nil {
		return err
	}
	defer a.close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if user != "" {
		res, err := a.engine.ReconcileUser(ctx, user)
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}
	res, err := a.engine.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if err := enc.Encode(res); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d user(s) failed to reconcile", len(res.Errors))
	}
	return nil
}
