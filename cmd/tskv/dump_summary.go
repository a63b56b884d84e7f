package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func dumpSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-summary <vnode-dir>",
		Short: "Replay the summary log and print the resulting Version per ts-family",
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
					fmt.Fprintf(out, "tsfamily %d: last_seq=%d max_level=%d\n", tfID, v.LastSeq, v.MaxLevel())
					for level, files := range v.Levels {
						for _, f := range files {
							fmt.Fprintf(out, "  L%d  id=%d  min_ts=%d  max_ts=%d  size=%d\n",
								level, f.Meta.ID, f.Meta.MinTS, f.Meta.MaxTS, f.Meta.Size)
						}
					}
					v.UnrefAll()
				}
			}
			return nil
		},
	}
}
