package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"tunstack/internal/storage/models"
)

var statsCmd = &cobra.Command{
	Use:   "stats [run-id]",
	Short: "Show recorded runs and their pool occupancy",
	Long: `Without arguments, list the recorded runs. With a run ID, print the newest
sample of that run and each pool's high-water mark.

Runs that ended with live objects are marked as leaked.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeRunIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if prune, _ := cmd.Flags().GetBool("prune"); prune {
			settings, err := appInstance.Settings(ctx)
			if err != nil {
				return err
			}
			n, err := appInstance.Prune(ctx, settings.SampleRetention)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d runs, keeping the newest %d.\n", n, settings.SampleRetention)
			return nil
		}

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %s", args[0])
			}
			return showRun(ctx, id)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		return listRuns(ctx, limit)
	},
}

func listRuns(ctx context.Context, limit int) error {
	runs, err := appInstance.Storage.GetRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to get runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBACKEND\tDEVICE\tSTARTED\tDURATION\tSTATUS")
	fmt.Fprintln(w, "--\t-------\t------\t-------\t--------\t------")

	leaked := 0
	for _, r := range runs {
		duration, status := "-", "running"
		if !r.Running() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
			status = "clean"
			if r.Leaks != "" {
				status = "leaked"
				leaked++
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Backend, orDash(r.Device), r.StartedAt.Format(time.DateTime), duration, status)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d runs", len(runs))
	if leaked > 0 {
		fmt.Printf(", %d leaked", leaked)
	}
	fmt.Println()
	return nil
}

func showRun(ctx context.Context, id int64) error {
	run, err := appInstance.Storage.GetRun(ctx, id)
	if err != nil {
		return err
	}
	sample, err := appInstance.Storage.GetLatestSample(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get sample: %w", err)
	}

	fmt.Printf("Run %d\n\n", run.ID)
	fmt.Printf("  Backend:  %s\n", run.Backend)
	fmt.Printf("  Device:   %s\n", orDash(run.Device))
	fmt.Printf("  Platform: %s\n", run.Platform)
	fmt.Printf("  Started:  %s\n", run.StartedAt.Format(time.DateTime))
	if !run.Running() {
		fmt.Printf("  Ended:    %s\n", run.EndedAt.Format(time.DateTime))
	}
	if run.Leaks != "" {
		fmt.Printf("  Leaks:    %s\n", run.Leaks)
	}

	if sample == nil {
		fmt.Println("\nNo samples recorded.")
		return nil
	}
	printSample(sample)
	return nil
}

func printSample(s *models.Sample) {
	fmt.Printf("\nSample at %s\n\n", s.TakenAt.Format(time.DateTime))
	fmt.Printf("  Heap:      %s / %s (peak %s, %d failures)\n",
		units.BytesSize(float64(s.HeapUsed)), units.BytesSize(float64(s.HeapSize)),
		units.BytesSize(float64(s.HeapPeak)), s.HeapFailures)
	fmt.Printf("  TCP conns: %d\n", s.TCPConns)
	fmt.Printf("  UDP flows: %d\n", s.UDPFlows)
	fmt.Printf("  Drops:     %d\n\n", s.Drops)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "KIND\tUSED\tCAPACITY\tHIGH\tFAILURES\t")
	for _, p := range s.Pools {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t\n", p.Kind, p.Used, p.Capacity, p.HighWater, p.Failures)
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	statsCmd.Flags().IntP("limit", "n", 20, "number of runs to list")
	statsCmd.Flags().Bool("prune", false, "delete finished runs beyond the sample_retention setting")
	rootCmd.AddCommand(statsCmd)
}
