// Package vm implements the "vm" subcommand tree: create/start/stop/ps/rm
// manage a VM's lifecycle through the host supervisor (4.J); console follows
// its console log; run dials the running agent and executes one container.
package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/clickclack-bot/smolvm/cmd/core"
	"github.com/clickclack-bot/smolvm/client"
	"github.com/clickclack-bot/smolvm/console"
	"github.com/clickclack-bot/smolvm/supervisor"
	"github.com/clickclack-bot/smolvm/types"
)

// Handler implements Actions against a real supervisor/record store/client.
type Handler struct {
	cmdcore.BaseHandler
}

// startSpecFromFlags builds a supervisor.StartSpec for name from cmd's
// --cpus/--mem-mib/--network/--mount/--port flags.
func startSpecFromFlags(cmd *cobra.Command, name string) (supervisor.StartSpec, error) {
	cpus, _ := cmd.Flags().GetInt("cpus")
	memMiB, _ := cmd.Flags().GetInt("mem-mib")
	network, _ := cmd.Flags().GetBool("network")
	mountFlags, _ := cmd.Flags().GetStringArray("mount")
	portFlags, _ := cmd.Flags().GetStringArray("port")

	mounts, err := parseMounts(mountFlags)
	if err != nil {
		return supervisor.StartSpec{}, err
	}
	ports, err := parsePorts(portFlags)
	if err != nil {
		return supervisor.StartSpec{}, err
	}

	return supervisor.StartSpec{
		Name: name,
		CID:  cmdcore.CID(name),
		Resources: types.VmResources{
			CPUs:    cpus,
			MemMiB:  memMiB,
			Network: network,
		},
		Mounts: mounts,
		Ports:  ports,
	}, nil
}

// parseMounts parses "host:guest[:ro]" entries.
func parseMounts(raw []string) ([]types.HostMount, error) {
	mounts := make([]types.HostMount, 0, len(raw))
	for _, m := range raw {
		parts := strings.SplitN(m, ":", 3) //nolint:mnd
		if len(parts) < 2 {                //nolint:mnd
			return nil, fmt.Errorf("invalid --mount %q: want host:guest[:ro]", m)
		}
		mounts = append(mounts, types.HostMount{
			HostPath:  parts[0],
			GuestPath: parts[1],
			ReadOnly:  len(parts) == 3 && parts[2] == "ro", //nolint:mnd
		})
	}
	return mounts, nil
}

// parsePorts parses "hostport:guestport" entries.
func parsePorts(raw []string) ([]types.PortMapping, error) {
	ports := make([]types.PortMapping, 0, len(raw))
	for _, p := range raw {
		parts := strings.SplitN(p, ":", 2) //nolint:mnd
		if len(parts) != 2 {               //nolint:mnd
			return nil, fmt.Errorf("invalid --port %q: want hostport:guestport", p)
		}
		hostPort, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid --port %q: %w", p, err)
		}
		guestPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid --port %q: %w", p, err)
		}
		ports = append(ports, types.PortMapping{HostPort: hostPort, GuestPort: guestPort})
	}
	return ports, nil
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	return h.startVM(cmd, args[0])
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	return h.startVM(cmd, args[0])
}

func (h Handler) startVM(cmd *cobra.Command, name string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	sup, err := cmdcore.Supervisor(conf)
	if err != nil {
		return err
	}

	spec, err := startSpecFromFlags(cmd, name)
	if err != nil {
		return err
	}

	logger := log.WithFunc("cmd.vm.start")
	_, err = sup.Start(ctx, spec)
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			logger.Infof(ctx, "%s already running with matching configuration", name)
			return nil
		}
		return fmt.Errorf("start %s: %w", name, err)
	}
	logger.Infof(ctx, "started: %s", name)
	return nil
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	sup, err := cmdcore.Supervisor(conf)
	if err != nil {
		return err
	}

	logger := log.WithFunc("cmd.vm.stop")
	var firstErr error
	for _, name := range args {
		if err := sup.Stop(ctx, name); err != nil {
			logger.Errorf(ctx, err, "stop %s", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof(ctx, "stopped: %s", name)
	}
	return firstErr
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	sup, err := cmdcore.Supervisor(conf)
	if err != nil {
		return err
	}
	store := cmdcore.RecordStore(conf)

	recs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tCPUS\tMEMORY\tCREATED")
	for _, rec := range recs {
		state := reconcileState(ctx, sup, rec)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.Name,
			state,
			rec.Resources.CPUs,
			cmdcore.FormatSize(int64(rec.Resources.MemMiB)<<20), //nolint:mnd
			rec.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

// reconcileState reports "running (stale)" when the record claims Running
// but the supervisor can no longer verify the child's identity.
func reconcileState(ctx context.Context, sup *supervisor.Supervisor, rec types.VmRecord) string {
	if rec.State != types.VMStateRunning {
		return string(rec.State)
	}
	alive, err := sup.IsAlive(ctx, rec.Name)
	if err == nil && !alive {
		return "running (stale)"
	}
	return string(rec.State)
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	sup, err := cmdcore.Supervisor(conf)
	if err != nil {
		return err
	}
	store := cmdcore.RecordStore(conf)
	force, _ := cmd.Flags().GetBool("force")

	logger := log.WithFunc("cmd.vm.rm")
	var firstErr error
	for _, name := range args {
		alive, _ := sup.IsAlive(ctx, name)
		if alive && !force {
			err := fmt.Errorf("rm %s: VM is running (use --force)", name)
			logger.Error(ctx, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if alive {
			if err := sup.Stop(ctx, name); err != nil {
				logger.Errorf(ctx, err, "stop %s before rm", name)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := store.Remove(ctx, name); err != nil {
			logger.Errorf(ctx, err, "remove record %s", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.RemoveAll(conf.VMDir(name)); err != nil {
			logger.Errorf(ctx, err, "remove VM dir %s", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof(ctx, "deleted: %s", name)
	}
	return firstErr
}

func (h Handler) Console(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	path := conf.ConsoleLogPath(name)
	fmt.Fprintf(os.Stderr, "Following console log for %s (ctrl-c to stop).\n", name) //nolint:errcheck
	return console.Follow(ctx, path, os.Stdout)
}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name, image := args[0], args[1]
	command := args[2:]

	workdir, _ := cmd.Flags().GetString("workdir")
	timeoutSeconds, _ := cmd.Flags().GetInt64("timeout")

	c, err := cmdcore.DialClient(ctx, conf, name)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	defer c.Close() //nolint:errcheck

	result, err := c.Run(ctx, client.RunArgs{
		Image:          image,
		Command:        command,
		Workdir:        workdir,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("run %s on %s: %w", image, name, err)
	}
	if _, err := os.Stdout.WriteString(result.Stdout); err != nil {
		return err
	}
	if _, err := os.Stderr.WriteString(result.Stderr); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("exit code %d", result.ExitCode)
	}
	return nil
}
