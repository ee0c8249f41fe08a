package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetUnusedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-unused",
		Short: "Reset every written zone that holds no live data",
		Long:  "Walks the io pool and resets each non-empty zone whose declared live capacity is zero, returning its space and active slot to the allocator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager(cmd, false)
			if err != nil {
				return err
			}
			defer mgr.Close()

			before := mgr.GetFreeSpace()
			mgr.ResetUnusedIOZones()
			after := mgr.GetFreeSpace()

			fmt.Printf("reclaimed %d bytes\n", after-before)
			return nil
		},
	}
}
