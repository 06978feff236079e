package others

import "github.com/spf13/cobra"

// Actions defines cross-cutting system subcommands.
type Actions interface {
	Version(cmd *cobra.Command, args []string) error
	StorageFormat(cmd *cobra.Command, args []string) error
	StorageStatus(cmd *cobra.Command, args []string) error
}

// Commands builds the top-level system command set.
func Commands(h Actions) []*cobra.Command {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage a VM's storage disk",
	}
	storageCmd.AddCommand(
		&cobra.Command{
			Use:   "format VM",
			Short: "Format a VM's storage disk (destroys its layer store)",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StorageFormat,
		},
		&cobra.Command{
			Use:   "status VM",
			Short: "Show a VM's storage disk usage",
			Args:  cobra.ExactArgs(1),
			RunE:  h.StorageStatus,
		},
	)

	return []*cobra.Command{
		{
			Use:   "version",
			Short: "Show version and build timestamp",
			RunE:  h.Version,
		},
		storageCmd,
	}
}
