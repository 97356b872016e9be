package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var statuses []string
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repository.Filter{Limit: limit}
			for _, s := range statuses {
				status := model.Status(s)
				if !status.IsValid() {
					return fmt.Errorf("invalid status %q", s)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			if owner != "" {
				w, err := model.NewWorkerIDFromString(owner)
				if err != nil {
					return err
				}
				filter.Owner = &w
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			contracts, malformed, err := container.ContractRepository().List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if opts.asJSON {
				views := make([]contractJSON, 0, len(contracts))
				for _, c := range contracts {
					views = append(views, contractView(c))
				}
				return printJSON(cmd, views)
			}
			for _, c := range contracts {
				printContractLine(cmd, c)
			}
			if malformed > 0 {
				cmd.PrintErrf("warning: %d malformed records skipped\n", malformed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by claim owner")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of contracts")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract with its history and verification trace",
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

			ctx := cmd.Context()
			c, err := container.ContractRepository().Find(ctx, id)
			if err != nil {
				return err
			}
			history, err := container.ContractRepository().History(ctx, id)
			if err != nil {
				return err
			}
			results, err := container.VerificationResultRepository().ListByContract(ctx, id)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd, struct {
					Contract contractJSON  `json:"contract"`
					History  []historyJSON `json:"history"`
					Results  []resultJSON  `json:"verification_results"`
				}{contractView(c), historyView(history), resultsView(results)})
			}

			printContractLine(cmd, c)
			if c.LastError() != "" {
				cmd.Printf("  last error: %s\n", c.LastError())
			}
			cmd.Println("history:")
			for _, e := range history {
				cmd.Printf("  v%-3d %-20s %s -> %s  %s\n", e.Version, e.Event, e.FromStatus, e.ToStatus, e.Detail)
			}
			if len(results) > 0 {
				cmd.Println("verification:")
				for _, r := range results {
					mark := "PASS"
					if !r.Passed {
						mark = "FAIL"
					}
					cmd.Printf("  [%s] %s %s\n", mark, r.CheckName, r.Output)
				}
			}
			return nil
		},
	}
	return cmd
}

func newReadyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List contracts available for claiming, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			contracts, _, err := container.ContractRepository().List(cmd.Context(), repository.Filter{
				Statuses: []model.Status{model.StatusReady},
			})
			if err != nil {
				return err
			}

			if opts.asJSON {
				views := make([]contractJSON, 0, len(contracts))
				for _, c := range contracts {
					views = append(views, contractView(c))
				}
				return printJSON(cmd, views)
			}
			for _, c := range contracts {
				printContractLine(cmd, c)
			}
			return nil
		},
	}
}

func newBlockedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List contracts waiting on unmet dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			blocked, err := container.ResolverService().Blocked(cmd.Context())
			if err != nil {
				return err
			}

			if opts.asJSON {
				type waitingJSON struct {
					DependencyID string `json:"dependency_id"`
					Status       string `json:"status,omitempty"`
					Known        bool   `json:"known"`
				}
				type blockedJSON struct {
					Contract contractJSON  `json:"contract"`
					Waiting  []waitingJSON `json:"waiting_on"`
				}
				views := make([]blockedJSON, 0, len(blocked))
				for _, b := range blocked {
					view := blockedJSON{Contract: contractView(b.Contract)}
					for _, w := range b.Waiting {
						view.Waiting = append(view.Waiting, waitingJSON{
							DependencyID: w.DependencyID.String(),
							Status:       w.Status.String(),
							Known:        w.Known,
						})
					}
					views = append(views, view)
				}
				return printJSON(cmd, views)
			}

			for _, b := range blocked {
				printContractLine(cmd, b.Contract)
				for _, w := range b.Waiting {
					if w.Known {
						cmd.Printf("    waiting on %s (%s)\n", w.DependencyID, w.Status)
					} else {
						cmd.Printf("    waiting on %s (unknown)\n", w.DependencyID)
					}
				}
			}
			return nil
		},
	}
}
