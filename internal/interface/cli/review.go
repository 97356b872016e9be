package cli

import (
	"github.com/spf13/cobra"
)

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var check, reviewer, comment string

	cmd := &cobra.Command{
		Use:   "approve <contract-id>",
		Short: "Approve a human review check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := contractID(args)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			outcome, err := container.VerificationService().Approve(cmd.Context(), id, check, reviewer, comment)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd, contractView(outcome.Contract))
			}
			if outcome.PendingReview {
				cmd.Printf("approval recorded for %s; other reviews still pending\n", id)
				return nil
			}
			cmd.Printf("contract %s completed (status=%s)\n", id, outcome.Contract.Status())
			return nil
		},
	}

	cmd.Flags().StringVar(&check, "check", "", "Human review check name (default: the first one)")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer identity")
	cmd.Flags().StringVar(&comment, "comment", "", "Review comment")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	var check, reviewer, comment string

	cmd := &cobra.Command{
		Use:   "reject <contract-id>",
		Short: "Reject a human review check, failing the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := contractID(args)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			outcome, err := container.VerificationService().Reject(cmd.Context(), id, check, reviewer, comment)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd, contractView(outcome.Contract))
			}
			cmd.Printf("contract %s rejected (status=%s)\n", id, outcome.Contract.Status())
			return nil
		},
	}

	cmd.Flags().StringVar(&check, "check", "", "Human review check name (default: the first one)")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer identity")
	cmd.Flags().StringVar(&comment, "comment", "", "Rejection reason")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List contracts waiting for a human review decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			pending, err := container.VerificationService().PendingDecisions(cmd.Context())
			if err != nil {
				return err
			}

			if opts.asJSON {
				type pendingJSON struct {
					Contract contractJSON `json:"contract"`
					Checks   []string     `json:"undecided_checks"`
				}
				views := make([]pendingJSON, 0, len(pending))
				for _, p := range pending {
					view := pendingJSON{Contract: contractView(p.Contract)}
					for _, check := range p.Checks {
						view.Checks = append(view.Checks, check.Name)
					}
					views = append(views, view)
				}
				return printJSON(cmd, views)
			}

			for _, p := range pending {
				printContractLine(cmd, p.Contract)
				for _, check := range p.Checks {
					cmd.Printf("    review %q: %s\n", check.Name, check.Instructions)
				}
			}
			return nil
		},
	}
}
