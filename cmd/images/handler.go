// Package images implements the "image" subcommand tree: pull/list/inspect/gc
// dial into a named VM's running agent and drive its layer store (4.D/4.E)
// through the client's typed RPCs.
package images

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/clickclack-bot/smolvm/cmd/core"
	"github.com/clickclack-bot/smolvm/client"
	"github.com/clickclack-bot/smolvm/progress"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Pull(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	images := args[1:]
	platform, _ := cmd.Flags().GetString("platform")

	c, err := cmdcore.DialClient(ctx, conf, name)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	defer c.Close() //nolint:errcheck

	logger := log.WithFunc("cmd.image.pull")
	tracker := progress.NewTracker(func(p client.PullProgress) {
		logger.Infof(ctx, "%s: %.0f%% of %d bytes", p.Layer, p.Percent, p.Total)
	})
	for _, image := range images {
		info, err := c.Pull(ctx, image, platform, tracker)
		if err != nil {
			return fmt.Errorf("pull %s on %s: %w", image, name, err)
		}
		logger.Infof(ctx, "pulled %s: %s (%d layers)", image, info.Digest, info.LayerCount)
	}
	return nil
}

func (h Handler) List(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	c, err := cmdcore.DialClient(ctx, conf, name)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	defer c.Close() //nolint:errcheck

	infos, err := c.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("list images on %s: %w", name, err)
	}
	if len(infos) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "REFERENCE\tDIGEST\tOS/ARCH\tLAYERS\tSIZE")
	for _, img := range infos {
		digest := img.Digest
		if len(digest) > 19 { //nolint:mnd
			digest = digest[:19]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\n",
			img.Reference, digest, img.OS, img.Architecture, img.LayerCount,
			cmdcore.FormatSize(img.Size),
		)
	}
	return w.Flush()
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name, image := args[0], args[1]

	c, err := cmdcore.DialClient(ctx, conf, name)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	defer c.Close() //nolint:errcheck

	info, err := c.Query(ctx, image)
	if err != nil {
		return fmt.Errorf("query %s on %s: %w", image, name, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func (h Handler) GC(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	c, err := cmdcore.DialClient(ctx, conf, name)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	defer c.Close() //nolint:errcheck

	result, err := c.GarbageCollect(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("gc on %s: %w", name, err)
	}
	verb := "freed"
	if result.DryRun {
		verb = "would free"
	}
	log.WithFunc("cmd.image.gc").Infof(ctx, "%s %s on %s", verb, cmdcore.FormatSize(result.FreedBytes), name)
	return nil
}
