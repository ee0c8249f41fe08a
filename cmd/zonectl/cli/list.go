package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List per-zone state of the io pool (all pools with --output json)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager(cmd, true)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if outputFormat(cmd) == "json" {
				return mgr.EncodeJSON(os.Stdout)
			}

			p := newPrinter(outputFormat(cmd))
			var rows [][]string
			for _, s := range mgr.GetStat() {
				written := s.WritePosition - s.StartPosition
				rows = append(rows, []string{
					fmt.Sprintf("%#x", s.StartPosition),
					fmt.Sprintf("%d", s.TotalCapacity),
					fmt.Sprintf("%d", written),
				})
			}
			p.table([]string{"START", "CAPACITY", "WRITTEN"}, rows)
			return nil
		},
	}
}
