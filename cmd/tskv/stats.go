package main

import (
	"fmt"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <vnode-dir>",
		Short: "Plot per-level file counts after replaying the summary log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := replaySummary(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, db := range vs.GetAllDB() {
				for tfID, tf := range db.TsFamilies() {
					v := tf.Current()
					counts := make([]float64, len(v.Levels))
					for level, files := range v.Levels {
						counts[level] = float64(len(files))
					}
					v.UnrefAll()
					if len(counts) == 0 {
						continue
					}
					graph := asciigraph.Plot(counts,
						asciigraph.Caption(fmt.Sprintf("tsfamily %d: files per level (L0..L%d)", tfID, len(counts)-1)),
						asciigraph.Height(8))
					fmt.Fprintln(out, graph)
				}
			}
			return nil
		},
	}
}
