package images

import "github.com/spf13/cobra"

// Actions defines per-VM image management operations.
type Actions interface {
	Pull(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	GC(cmd *cobra.Command, args []string) error
}

// Command builds the "image" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Manage a VM's cached OCI images",
	}

	pullCmd := &cobra.Command{
		Use:   "pull VM IMAGE [IMAGE...]",
		Short: "Pull image(s) into a VM's layer store",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd
		RunE:  h.Pull,
	}
	pullCmd.Flags().String("platform", "", "target platform, e.g. linux/arm64")

	listCmd := &cobra.Command{
		Use:     "list VM",
		Aliases: []string{"ls"},
		Short:   "List images cached in a VM",
		Args:    cobra.ExactArgs(1),
		RunE:    h.List,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect VM IMAGE",
		Short: "Show detailed image info (JSON)",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Inspect,
	}

	gcCmd := &cobra.Command{
		Use:   "gc VM",
		Short: "Sweep unreferenced layers in a VM's layer store",
		Args:  cobra.ExactArgs(1),
		RunE:  h.GC,
	}
	gcCmd.Flags().Bool("dry-run", false, "report reclaimable space without deleting")

	imageCmd.AddCommand(pullCmd, listCmd, inspectCmd, gcCmd)
	return imageCmd
}
