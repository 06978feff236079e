// Package others implements cross-cutting CLI subcommands that don't belong
// to the VM or image trees: build/version info and the storage disk's
// format/status operations (4.C).
package others

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/clickclack-bot/smolvm/cmd/core"
	"github.com/clickclack-bot/smolvm/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

func (h Handler) StorageFormat(cmd *cobra.Command, args []string) error {
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

	if err := c.FormatStorage(ctx); err != nil {
		return fmt.Errorf("format storage on %s: %w", name, err)
	}
	log.WithFunc("cmd.storage.format").Infof(ctx, "formatted storage disk on %s", name)
	return nil
}

func (h Handler) StorageStatus(cmd *cobra.Command, args []string) error {
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

	status, err := c.StorageStatus(ctx)
	if err != nil {
		return fmt.Errorf("storage status on %s: %w", name, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
