package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"transform_worker/config"
	"transform_worker/core/domain"
	"transform_worker/core/service/transform"
	"transform_worker/internal/bootstrap"
)

// NewTransformCommand creates the batch transform command.
func NewTransformCommand() *cobra.Command {
	var (
		accountID int64
		emailID   int64
		force     bool
		yes       bool
		limit     int
		batchSize int
		plain     bool
	)

	cmd := &cobra.Command{
		Use:   "transform [account_id]",
		Short: "Run the batch transform pipeline over pending emails",
		Args:  cobra.MaximumNArgs(1),
		Long: `Selects emails without derived state (or all matching emails with --force),
classifies, redacts, chunks and embeds them in batches, and writes the derived
columns back in one transaction per batch.

Examples:
  transform-worker transform
  transform-worker transform 42 -n 500
  transform-worker transform --email-id 1337 --force -y`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			opts := transform.Options{
				Force:     force,
				Limit:     limit,
				BatchSize: batchSize,
			}
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid account id %q", args[0])
				}
				accountID = id
				opts.AccountID = &accountID
			}
			if cmd.Flags().Changed("email-id") {
				opts.EmailID = &emailID
			}

			if force && opts.EmailID == nil && !yes {
				scope := "all pending emails"
				if opts.AccountID != nil {
					scope = fmt.Sprintf("account %d", *opts.AccountID)
				}
				if !confirm(fmt.Sprintf("--force re-transforms already-processed emails for %s. Continue?", scope)) {
					fmt.Println("aborted")
					return nil
				}
			}

			deps, cleanup, err := bootstrap.NewDependencies(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if plain {
				opts.Progress = transform.PlainProgress(os.Stdout)
			} else {
				opts.Progress = inlineProgress(os.Stdout)
			}

			ctx, stop := signalContext()
			defer stop()

			summary, err := deps.Pipeline.Run(ctx, opts)
			if err != nil {
				return err
			}
			printSummary(os.Stdout, summary)
			return nil
		},
	}

	cmd.Flags().Int64Var(&emailID, "email-id", 0, "transform a single email (implies reprocessing)")
	cmd.Flags().BoolVar(&force, "force", false, "re-transform emails that already have derived state")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the --force confirmation prompt")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max emails to transform (0 = no cap)")
	cmd.Flags().IntVar(&batchSize, "batch-size", transform.DefaultBatchSize, "emails per batch")
	cmd.Flags().BoolVar(&plain, "plain", false, "one progress line per batch instead of in-place updates")

	return cmd
}

// inlineProgress rewrites a single status line in place, for interactive runs.
func inlineProgress(w io.Writer) transform.ProgressFunc {
	return func(p domain.TransformProgress) {
		if p.BatchNum == 0 {
			fmt.Fprintf(w, "transforming %d emails in %d batches\n", p.Total, p.TotalBatches)
			return
		}
		fmt.Fprintf(w, "\rbatch %d/%d  processed %d/%d  failed %d",
			p.BatchNum, p.TotalBatches, p.Processed, p.Total, p.Failed)
		if p.BatchNum == p.TotalBatches {
			fmt.Fprintln(w)
		}
	}
}

func printSummary(w io.Writer, s *domain.TransformSummary) {
	fmt.Fprintf(w, "transformed: %d\n", s.Transformed)
	fmt.Fprintf(w, "failed:      %d\n", s.Failed)
	fmt.Fprintf(w, "tiers:       sensitive=%d personal=%d public=%d\n",
		s.ByTier[domain.TierSensitive], s.ByTier[domain.TierPersonal], s.ByTier[domain.TierPublic])
	fmt.Fprintf(w, "bodies:      full=%d chunked=%d\n", s.BodyFull, s.BodyChunked)
}
