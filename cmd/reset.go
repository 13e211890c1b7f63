package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"transform_worker/adapter/out/persistence"
	"transform_worker/config"
	"transform_worker/infra/database"
)

// NewResetCommand creates the derived-state reset command.
func NewResetCommand() *cobra.Command {
	var (
		accountID int64
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear derived transform state so emails are selected again",
		Long: `Nulls the derived columns (tier, redacted body, snippet, embeddings,
completion timestamp) and deletes stored chunks. Raw email content is left
untouched. Scope with --account-id, or reset everything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			var account *int64
			scope := "ALL accounts"
			if cmd.Flags().Changed("account-id") {
				account = &accountID
				scope = fmt.Sprintf("account %d", accountID)
			}
			if !yes && !confirm(fmt.Sprintf("Reset derived transform state for %s?", scope)) {
				fmt.Println("aborted")
				return nil
			}

			db, err := database.NewSQLX(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			ctx, stop := signalContext()
			defer stop()

			affected, err := persistence.NewEmailAdapter(db).ResetDerived(ctx, account)
			if err != nil {
				return err
			}
			fmt.Printf("reset %d emails\n", affected)
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account-id", 0, "restrict the reset to one account")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}
