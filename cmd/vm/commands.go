package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Console(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage microVMs",
	}

	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create (and start) a VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	addVMFlags(createCmd)

	startCmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start a created/stopped VM, or reconfigure a running one",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Start,
	}
	addVMFlags(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop NAME [NAME...]",
		Short: "Stop running VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "ps"},
		Short:   "List VMs with status",
		RunE:    h.List,
	}

	consoleCmd := &cobra.Command{
		Use:   "console NAME",
		Short: "Follow a VM's console log",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Console,
	}

	rmCmd := &cobra.Command{
		Use:   "rm NAME [NAME...]",
		Short: "Delete VM(s) (--force to stop running VMs first)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}
	rmCmd.Flags().Bool("force", false, "stop running VMs before deleting")

	runCmd := &cobra.Command{
		Use:   "run NAME IMAGE [-- CMD...]",
		Short: "Run a one-shot container inside a running VM",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd
		RunE:  h.Run,
	}
	runCmd.Flags().String("workdir", "", "container working directory")
	runCmd.Flags().Int64("timeout", 0, "run timeout in seconds (0 = no timeout)")

	vmCmd.AddCommand(
		createCmd,
		startCmd,
		stopCmd,
		listCmd,
		consoleCmd,
		rmCmd,
		runCmd,
	)
	return vmCmd
}

// addVMFlags binds the resource/mount/port flags shared by create and start.
func addVMFlags(cmd *cobra.Command) {
	cmd.Flags().Int("cpus", 1, "vCPU count")
	cmd.Flags().Int("mem-mib", 512, "memory size in MiB") //nolint:mnd
	cmd.Flags().Bool("network", false, "attach a network interface")
	cmd.Flags().StringArray("mount", nil, "host:guest[:ro] bind mount, repeatable")
	cmd.Flags().StringArray("port", nil, "hostport:guestport forward, repeatable")
}
