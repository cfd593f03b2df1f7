package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/metalagman/quorum/internal/state"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "runs",
		Short:        "List runs, newest first",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			store := state.NewStore(storeDB)
			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tCREATED\tSTATUS\tREASON\tROUND")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
					r.RunID, r.CreatedAt, r.Status, r.StopReason, r.CurrentRound, r.MaxRounds)
			}
			return w.Flush()
		},
	}
}
