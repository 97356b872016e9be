package cli

import (
	"github.com/spf13/cobra"
)

func newClaimCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <contract-id>",
		Short: "Claim a ready contract for this worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := contractID(args)
			if err != nil {
				return err
			}
			worker, err := workerID(opts)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			c, err := container.ClaimService().Claim(cmd.Context(), id, worker)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("claimed %s as %s\n", c.ID(), worker)
			return nil
		},
	}
}

func newUnclaimCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unclaim <contract-id>",
		Short: "Give a claimed contract back to the ready pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := contractID(args)
			if err != nil {
				return err
			}
			worker, err := workerID(opts)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			c, err := container.ClaimService().Unclaim(cmd.Context(), id, worker)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("unclaimed %s\n", c.ID())
			return nil
		},
	}
}

func newHeartbeatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <contract-id>",
		Short: "Refresh claim liveness for a held contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := contractID(args)
			if err != nil {
				return err
			}
			worker, err := workerID(opts)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			c, err := container.ClaimService().Heartbeat(cmd.Context(), id, worker)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("heartbeat recorded for %s\n", c.ID())
			return nil
		},
	}
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <contract-id>",
		Short: "Retry a failed contract under its retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := contractID(args)
			if err != nil {
				return err
			}
			worker, err := workerID(opts)
			if err != nil {
				return err
			}

			container, err := newContainer(opts)
			if err != nil {
				return err
			}
			defer container.Close()

			c, err := container.ClaimService().Retry(cmd.Context(), id, worker)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("retrying %s (attempt %d of %d)\n", c.ID(), c.RetryCount(), c.MaxRetries())
			return nil
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <contract-id>",
		Short: "Cancel a contract (cooperative, any non-terminal state)",
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

			c, err := container.ClaimService().Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd, contractView(c))
			}
			cmd.Printf("cancelled %s\n", c.ID())
			return nil
		},
	}
}
