// Command smolvmd is the host-side CLI: it forks and supervises VMs and
// proxies image/run/storage operations to their guest agents.
package main

import (
	"fmt"
	"os"

	"github.com/clickclack-bot/smolvm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
