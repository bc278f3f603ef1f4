package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flownet-io/go-flownet/caselog"
)

func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <log.db> [case-id]",
		Short: "List cases in a transaction log, or print one case's records",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := caselog.NewSQLiteStore(args[0])
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				ids, err := store.Cases(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					head, err := store.Head(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d record(s)\n", id, head+1)
				}
				return nil
			}

			recs, err := store.Read(ctx, args[1], 0)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no records for case %s", args[1])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range recs {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}
