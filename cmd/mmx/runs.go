package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"merramax/internal/storage"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded runs, or the trials of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.New(settings.OutputDir)
		if err != nil {
			return err
		}
		defer store.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if len(args) == 1 {
			return printRun(w, store, args[0])
		}

		runs, err := store.ListRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}
		fmt.Fprintln(w, "ID\tSPECIES\tSTATE\tSTARTED\tFINAL")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Species, r.State, r.StartedAt.Format(time.RFC3339), r.FinalDir)
		}
		return nil
	},
}

func printRun(w *tabwriter.Writer, store *storage.Store, id string) error {
	run, err := store.GetRun(id)
	if err != nil {
		return err
	}
	trials, err := store.GetTrials(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "run\t%s\nspecies\t%s\nstate\t%s\n", run.ID, run.Species, run.State)
	if run.Error != "" {
		fmt.Fprintf(w, "error\t%s\n", run.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TRIAL\tSTATUS\tPREDICTORS")
	for _, t := range trials {
		fmt.Fprintf(w, "%s\t%s\t%d\n", t.TrialID, t.Status, len(t.Predictors))
	}
	if len(run.Ranking) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "RANK\tPREDICTOR\tMEAN")
		for i, r := range run.Ranking {
			fmt.Fprintf(w, "%d\t%s\t%.4f\n", i+1, r.Name, r.Mean)
		}
	}
	return nil
}

func init() {
	runsCmd.Flags().StringP("output", "o", ".", "output directory holding the run ledger")
	rootCmd.AddCommand(runsCmd)
}
