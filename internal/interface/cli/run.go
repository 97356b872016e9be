package cli

import (
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/contractd/internal/application/usecase/execution"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var contractID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim, execute, and verify one contract",
		Long: `Run performs a full work cycle: claim the oldest ready contract (or the
one given with --contract), hand it to the configured executor, submit the
candidate output, and run the verification pipeline on it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := workerID(opts)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			out, err := container.RunUseCase().Execute(cmd.Context(), execution.RunInput{
				ContractID: contractID,
				Worker:     worker,
			})
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd, out)
			}
			if out.NoOp {
				cmd.Printf("nothing to do (%s)\n", out.NoOpReason)
				return nil
			}
			cmd.Printf("contract %s finished in %dms: status=%s", out.ContractID, out.ElapsedMs, out.Status)
			if out.PendingReview {
				cmd.Printf(" (awaiting human review)")
			}
			if out.FailedCheck != "" {
				cmd.Printf(" (failed check: %s)", out.FailedCheck)
			}
			cmd.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&contractID, "contract", "", "Run a specific contract instead of the oldest ready one")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Revoke stale claims and promote newly ready contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			ctx := cmd.Context()
			revoked, err := container.ClaimService().SweepStale(ctx)
			if err != nil {
				return err
			}
			promoted, err := container.ResolverService().PromoteReady(ctx)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd, map[string]int{"revoked": revoked, "promoted": promoted})
			}
			cmd.Printf("revoked %d stale claims, promoted %d contracts\n", revoked, promoted)
			return nil
		},
	}
}
