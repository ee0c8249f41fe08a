package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show device-wide space accounting",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager(cmd, true)
			if err != nil {
				return err
			}
			defer mgr.Close()

			free := mgr.GetFreeSpace()
			used := mgr.GetUsedSpace()
			reclaimable := mgr.GetReclaimableSpace()

			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(map[string]uint64{
					"free_bytes":        free,
					"used_bytes":        used,
					"reclaimable_bytes": reclaimable,
				})
			}
			p.kv([][2]string{
				{"free", fmt.Sprintf("%d bytes", free)},
				{"used", fmt.Sprintf("%d bytes", used)},
				{"reclaimable", fmt.Sprintf("%d bytes", reclaimable)},
				{"active io zones", fmt.Sprintf("%d", mgr.ActiveIOZones())},
				{"open io zones", fmt.Sprintf("%d", mgr.OpenIOZones())},
			})
			return nil
		},
	}
}
