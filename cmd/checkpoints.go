package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/strao1986/mixer/internal/store"
)

var (
	resultsDir    string
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage stored runs",
	Long: `List, inspect and clean the checkpoints and final documents in a
results directory. A run interrupted before finishing keeps its
checkpoint and can be continued with "fit --resume".`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRuns(cmd.OutOrStdout(), resultsDir)
	},
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show the models of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRun(cmd.OutOrStdout(), resultsDir, args[0])
	},
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old runs",
	Long: `Delete runs based on a retention policy: keep only the N most recent
runs, delete runs older than N days, or both.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanRuns(cmd.OutOrStdout(), cmd.InOrStdin(), resultsDir)
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, showCheckpointCmd, cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&resultsDir, "dir", ".", "Results directory")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N runs (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func listRuns(w io.Writer, dir string) error {
	st, err := store.NewFSStore(dir)
	if err != nil {
		return err
	}
	infos, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tMODIFIED\tMODELS\tSIZE")
	for _, info := range infos {
		state := "checkpoint"
		if info.Final {
			state = "final"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			info.Name,
			state,
			info.ModTime.Format("2006-01-02 15:04:05"),
			formatModels(info.Models),
			formatBytes(info.Size),
		)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nTotal runs: %d\n", len(infos))
	return nil
}

func showRun(w io.Writer, dir, name string) error {
	st, err := store.NewFSStore(dir)
	if err != nil {
		return err
	}
	res, err := st.LoadFinal(name)
	state := "final"
	if errors.Is(err, store.ErrNotFound) {
		res, err = st.LoadCheckpoint(name)
		state = "checkpoint"
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run: %s (%s, %s)\n", name, res.RunID, state)
	fmt.Fprintf(w, "Started: %s\n", res.Options.TimeStarted.Format(time.RFC3339))
	if res.Options.TimeFinished != nil {
		fmt.Fprintf(w, "Finished: %s\n", res.Options.TimeFinished.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "SNPs: %d, annotations: %s\n\n", res.Options.NumSNP, strings.Join(res.Options.AnnoNames, ","))
	printModels(w, res)
	return printTrace(w, st.TracePath(name))
}

// printTrace summarizes the finished stages recorded in the trace at
// path. Runs without a trace print nothing.
func printTrace(w io.Writer, path string) error {
	tr, err := store.NewTraceReader(path)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	fmt.Fprintln(w, "\nStages:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTAGE\tCOST\tNFEV\tCONVERGED\tDURATION")
	for _, e := range entries {
		if e.Event != store.EventFinished {
			continue
		}
		d := time.Duration(e.DurationMS) * time.Millisecond
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%d\t%t\t%s\n",
			e.Model, e.Stage, float64(e.Cost), e.Evaluations, e.Converged, d)
	}
	return tw.Flush()
}

func cleanRuns(w io.Writer, in io.Reader, dir string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := store.NewFSStore(dir)
	if err != nil {
		return err
	}
	infos, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)
	if len(toDelete) == 0 {
		fmt.Fprintln(w, "No runs match deletion criteria.")
		return nil
	}

	fmt.Fprintf(w, "Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(w, "  - %s (%s)\n", info.Name, info.ModTime.Format("2006-01-02 15:04:05"))
	}

	if !forceClean {
		fmt.Fprint(w, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(in, &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := st.DeleteRun(info.Name); err != nil {
			slog.Error("Failed to delete run", "name", info.Name, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted run", "name", info.Name)
		deleted++
	}

	fmt.Fprintf(w, "\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion returns the runs older than olderThanDays
// plus the oldest runs beyond the keepLast most recent ones.
func selectCheckpointsForDeletion(infos []store.RunInfo, keepLast, olderThanDays int) []store.RunInfo {
	var toDelete []store.RunInfo
	selected := map[string]bool{}
	add := func(info store.RunInfo) {
		if !selected[info.Name] {
			selected[info.Name] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.ModTime.Before(cutoff) {
				add(info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := slices.Clone(infos)
		slices.SortFunc(sorted, func(a, b store.RunInfo) int { return a.ModTime.Compare(b.ModTime) })
		for _, info := range sorted[:len(sorted)-keepLast] {
			add(info)
		}
	}

	return toDelete
}

func formatModels(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
