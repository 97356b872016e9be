package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/infra/config"
	"github.com/YoshitsuguKoike/contractd/internal/infrastructure/di"
)

// rootOptions are the persistent flags shared by every command
type rootOptions struct {
	home   string
	worker string
	asJSON bool
}

// NewRootCmd builds the contractd command tree
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "contractd",
		Short: "Contractd - transactional work tracking for autonomous agents",
		Long: `Contractd tracks units of work as contracts: typed input, a required
output shape, machine-checkable verification criteria, and a rollback
procedure. Workers claim ready contracts, execute them, and submit output
for verification before anything counts as done.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.home, "home", defaultHome(), "Base directory for engine state")
	rootCmd.PersistentFlags().StringVar(&opts.worker, "worker", "", "Worker identity (default hostname:pid)")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "Emit JSON instead of text")

	rootCmd.AddCommand(
		newRegisterCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newReadyCmd(opts),
		newBlockedCmd(opts),
		newClaimCmd(opts),
		newUnclaimCmd(opts),
		newHeartbeatCmd(opts),
		newRunCmd(opts),
		newSweepCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newPendingCmd(opts),
		newRetryCmd(opts),
		newCancelCmd(opts),
		newRollbackCmd(opts),
		newRollbackPerformedCmd(opts),
	)
	return rootCmd
}

func defaultHome() string {
	if v := os.Getenv("CONTRACTD_HOME"); v != "" {
		return v
	}
	return ".contractd"
}

// newContainer loads settings from the home directory and assembles the engine
func newContainer(opts *rootOptions) (*di.Container, error) {
	cfg, err := config.LoadSettings(opts.home)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return di.NewContainer(cfg)
}

// workerID resolves the caller's worker identity
func workerID(opts *rootOptions) (model.WorkerID, error) {
	if opts.worker != "" {
		return model.NewWorkerIDFromString(opts.worker)
	}
	return model.NewWorkerID()
}

// contractID parses the positional contract ID argument
func contractID(args []string) (model.ContractID, error) {
	if len(args) == 0 {
		return model.ContractID{}, fmt.Errorf("contract ID required")
	}
	return model.NewContractIDFromString(args[0])
}
