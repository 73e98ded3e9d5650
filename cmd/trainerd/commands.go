package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamphoto/trainer/internal/auth"
	"github.com/dreamphoto/trainer/internal/database"
	"github.com/dreamphoto/trainer/internal/execution"
	"github.com/dreamphoto/trainer/internal/ledger"
	"github.com/dreamphoto/trainer/internal/models"
	"github.com/dreamphoto/trainer/internal/users"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply application and River schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := database.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		return database.Migrate(cmd.Context(), pool, logger)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass over due training models and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		a, err := newApp(ctx, cfg, pool, logger)
		if err != nil {
			return err
		}
		svc := a.trainingService(nil, nil, logger)
		checked, failed, err := execution.SweepNow(ctx, svc, cfg.Reconcile.BatchSize, cfg.Reconcile.Workers, cfg.Reconcile.JobTimeout, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %d models, %d failed\n", checked, failed)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Credit tokens to a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		amount, _ := cmd.Flags().GetInt64("amount")
		username, _ := cmd.Flags().GetString("username")
		if userID <= 0 || amount <= 0 {
			return errors.New("--user and --amount must be positive")
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if username != "" {
			if _, err := users.NewRepository(pool).Upsert(ctx, userID, username); err != nil {
				return fmt.Errorf("register user: %w", err)
			}
		}
		entry, err := ledger.NewService(ledger.NewRepository(pool), logger).
			Credit(ctx, userID, amount, models.LedgerTokenGrant, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %d tokens to user %d, balance %d\n", amount, userID, entry.BalanceAfter)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for a user id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		if userID <= 0 {
			return errors.New("--user must be positive")
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := auth.NewService(nil, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).IssueToken(userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	grantCmd.Flags().Int64("user", 0, "platform user id")
	grantCmd.Flags().Int64("amount", 0, "tokens to credit")
	grantCmd.Flags().String("username", "", "register the user with this name first")

	tokenCmd.Flags().Int64("user", 0, "platform user id")
}
