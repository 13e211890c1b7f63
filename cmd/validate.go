package cmd

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"transform_worker/adapter/out/persistence"
	"transform_worker/config"
	"transform_worker/infra/database"
)

// NewValidateCommand creates the derived-state consistency check command.
func NewValidateCommand() *cobra.Command {
	var (
		accountID  int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check derived transform state for inconsistencies",
		Long: `Runs consistency checks over completed emails: missing or invalid tiers,
missing redacted bodies or embeddings, chunk rows that disagree with the
pooled embedding, and orphaned chunks. Exits non-zero when any check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			var account *int64
			if cmd.Flags().Changed("account-id") {
				account = &accountID
			}

			db, err := database.NewSQLX(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			ctx, stop := signalContext()
			defer stop()

			issues, err := persistence.NewValidationAdapter(db).DerivedIssues(ctx, account)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(issues); err != nil {
					return err
				}
			} else {
				for _, issue := range issues {
					fmt.Printf("%-40s %d\n", issue.Name, issue.Count)
				}
			}

			var violations int64
			for _, issue := range issues {
				violations += issue.Count
			}
			if violations > 0 {
				return fmt.Errorf("validation found %d inconsistent rows", violations)
			}
			if !jsonOutput {
				fmt.Println("derived state is consistent")
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account-id", 0, "restrict the checks to one account")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit results as JSON")

	return cmd
}
