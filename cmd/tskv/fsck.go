package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tskvdb/tskv/tsm"
)

func fsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck <vnode-dir>",
		Short: "Verify every TSM column file's footer/bloom section and quarantine corrupt ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}

			var checked, quarantined int
			for _, ent := range entries {
				if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".tsm") {
					continue
				}
				checked++
				path := filepath.Join(dir, ent.Name())
				r, err := tsm.Open(path)
				if err != nil {
					quarantined++
					dest := path + ".corrupt"
					fmt.Fprintf(cmd.OutOrStdout(), "quarantine %s: %v\n", ent.Name(), err)
					if rerr := os.Rename(path, dest); rerr != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "  rename to %s failed: %v\n", dest, rerr)
					}
					continue
				}
				r.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d file(s), quarantined %d\n", checked, quarantined)
			return nil
		},
	}
}
