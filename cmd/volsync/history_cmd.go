package main

import (
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/volsync/volsync/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		st, err := store.Open(viper.GetString("db"))
		if err != nil {
			return err
		}
		defer st.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListHistory(limit)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Started", "Source", "Volume", "Status", "Copied", "Bytes", "Errors"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, e := range entries {
			table.Append([]string{
				e.StartedAt,
				e.SourcePath,
				e.VolumeSerial,
				e.Status,
				fmt.Sprintf("%d", e.FilesCopied),
				humanize.Bytes(uint64(e.BytesCopied)),
				fmt.Sprintf("%d", e.FilesErrored),
			})
		}

		table.Render()
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "max entries to show")
}
