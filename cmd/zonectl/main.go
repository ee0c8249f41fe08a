// Command zonectl inspects and maintains the zone layout of a storage
// device managed by this engine.
//
// Logging:
//   - Base logger is created by the cli package from the --verbose flag
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"os"

	"zonestore/cmd/zonectl/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCommand(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
