package main

import (
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/volsync/volsync/internal/volume"
)

var volumesCmd = &cobra.Command{
	Use:   "volumes",
	Short: "List mounted volumes and their serials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		mounted, err := volume.List(cmd.Context())
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Serial", "Mount", "Label", "FS", "Free", "Removable"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, v := range mounted {
			removable := ""
			if v.Removable {
				removable = "yes"
			}
			table.Append([]string{
				v.Serial,
				v.MountPath,
				v.Label,
				v.FsType,
				humanize.Bytes(v.FreeBytes),
				removable,
			})
		}

		table.Render()
		return nil
	},
}
