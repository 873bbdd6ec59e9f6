package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shipway/internal/ledger"
	"shipway/internal/store"
)

var (
	rollbackConfigFile string
	rollbackSteps      int
	rollbackCommit     string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback OWNER/REPO",
	Short: "Roll back to a verified earlier deployment",
	Long: `Roll back a repository to an earlier deployment without rebuilding.

By default the previous successful deployment is redeployed. Use
--steps to go further back, or --commit to target a specific commit.

Examples:
  shipway rollback acme/widgets
  shipway rollback acme/widgets --steps 2
  shipway rollback acme/widgets --commit abc1234`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVarP(&rollbackConfigFile, "config", "c", "", "Path to shipway.yaml configuration file")
	rollbackCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "Number of deployments to step back")
	rollbackCmd.Flags().StringVar(&rollbackCommit, "commit", "", "Commit SHA (full or short) to roll back to")
}

func runRollback(cmd *cobra.Command, args []string) error {
	owner, repo, err := splitOwnerRepo(args[0])
	if err != nil {
		return err
	}

	configFile = rollbackConfigFile
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// CLI runs log human-readable text, not the server's JSON file.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	trigger, engine, stores, err := buildComponents(cfg, db, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PollTimeout()+time.Minute)
	defer cancel()

	var rec *ledger.Record
	if rollbackCommit != "" {
		rec, err = engine.ToCommit(ctx, owner, repo, rollbackCommit)
	} else {
		rec, err = engine.ToPrevious(ctx, owner, repo, rollbackSteps)
	}
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rollback triggered for %s/%s, target commit %s\n", owner, repo, rec.ShortSHA())
	fmt.Fprintf(cmd.OutOrStdout(), "Waiting for the deploy to finish...\n")

	// Block until the background attempt resolves so the exit code
	// reflects the outcome.
	trigger.Wait()

	final, err := stores.ledger.GetByToken(ctx, rec.AttemptToken)
	if err != nil {
		return fmt.Errorf("failed to read back rollback status: %w", err)
	}

	if final.Status != ledger.StatusSuccess {
		reason := "unknown"
		if final.ErrorMessage != nil {
			reason = *final.ErrorMessage
		}
		return fmt.Errorf("rollback deploy failed: %s", reason)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRollback successful!\n")
	fmt.Fprintf(cmd.OutOrStdout(), "  Now running: %s (%s)\n", rec.ShortSHA(), rec.ImageRef)
	return nil
}

func splitOwnerRepo(s string) (string, string, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected OWNER/REPO, got %q", s)
	}
	return parts[0], parts[1], nil
}
