// Package cli implements the zonectl subcommand tree for inspecting and
// maintaining a zoned storage device.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"zonestore/internal/logging"
	"zonestore/internal/zone"
	"zonestore/internal/zone/blkdev"
	"zonestore/internal/zone/memdev"

	"github.com/spf13/cobra"
)

// NewRootCommand returns the zonectl root with all subcommands wired in.
func NewRootCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "zonectl",
		Short:         "Inspect and maintain a zoned storage device",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("device", "d", "", "block device name under /dev, e.g. nvme0n1")
	cmd.PersistentFlags().Uint32("emulate", 0, "use an in-memory emulated device with this many zones instead of hardware")
	cmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	cmd.AddCommand(
		newListCmd(),
		newStatCmd(),
		newResetUnusedCmd(),
	)

	return cmd
}

// openManager builds a zone manager from the persistent flags on cmd.
// The caller must Close the manager.
func openManager(cmd *cobra.Command, readOnly bool) (*zone.Manager, error) {
	logger := loggerFromCmd(cmd)

	emulate, _ := cmd.Flags().GetUint32("emulate")
	if emulate > 0 {
		dev, err := memdev.New(memdev.Config{NrZones: emulate})
		if err != nil {
			return nil, err
		}
		return zone.NewManager(dev, zone.Config{Logger: logger})
	}

	name, _ := cmd.Flags().GetString("device")
	if name == "" {
		return nil, fmt.Errorf("--device is required (or use --emulate)")
	}
	dev, err := blkdev.Open(blkdev.Config{Name: name, ReadOnly: readOnly, Logger: logger})
	if err != nil {
		return nil, err
	}
	return zone.NewManager(dev, zone.Config{ReadOnly: readOnly, Logger: logger})
}

func loggerFromCmd(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return logging.Discard()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
