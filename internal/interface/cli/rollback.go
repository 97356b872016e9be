package cli

import (
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
)

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <contract-id>",
		Short: "Roll back a failed contract using its declared strategy",
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

			outcome, err := container.RollbackService().Rollback(cmd.Context(), id)
			if err != nil {
				return err
			}

			if opts.asJSON {
				view := struct {
					Contract       contractJSON `json:"contract"`
					Strategy       string       `json:"strategy"`
					CompensatingID string       `json:"compensating_id,omitempty"`
					Instructions   string       `json:"instructions,omitempty"`
				}{
					Contract:     contractView(outcome.Contract),
					Strategy:     string(outcome.Strategy),
					Instructions: outcome.Instructions,
				}
				if outcome.CompensatingID != nil {
					view.CompensatingID = outcome.CompensatingID.String()
				}
				return printJSON(cmd, view)
			}

			switch outcome.Strategy {
			case contract.RollbackAutomatic:
				cmd.Printf("contract %s: %s\n", id, outcome.Contract.Status())
			case contract.RollbackCompensating:
				cmd.Printf("contract %s compensated by %s\n", id, outcome.CompensatingID)
			case contract.RollbackManual:
				cmd.Printf("contract %s awaiting manual rollback:\n%s\n", id, outcome.Instructions)
				cmd.Println("confirm with: contractd rollback-performed " + id.String())
			}
			return nil
		},
	}
}

func newRollbackPerformedCmd(opts *rootOptions) *cobra.Command {
	var operator, note string

	cmd := &cobra.Command{
		Use:   "rollback-performed <contract-id>",
		Short: "Confirm that a manual rollback was carried out",
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

			c, err := container.RollbackService().RollbackPerformed(cmd.Context(), id, operator, note)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("contract %s rolled back\n", c.ID())
			return nil
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity")
	cmd.Flags().StringVar(&note, "note", "", "What was done")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
