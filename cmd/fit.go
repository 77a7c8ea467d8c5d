package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/strao1986/mixer/internal/catalog"
	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/run"
	"github.com/strao1986/mixer/internal/server"
	"github.com/strao1986/mixer/internal/store"
)

var (
	datasetPath string
	outPrefix   string
	modelsFlag  string
	configPath  string
	qqPlots     bool
	costDiag    bool
	resume      bool
	trace       bool
	monitorAddr string
	seed        int64
	kmax        int
	threads     int
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit the univariate models",
	Long: `Fits the selected models in dependency order and writes <out>.json.
After every model the results so far are checkpointed to <out>.tmp.json;
--resume continues from that checkpoint and skips completed models.`,
	SilenceUsage: true,
	RunE:         runFit,
}

func init() {
	fitCmd.Flags().StringVar(&datasetPath, "dataset", "", "Dataset file, JSON or YAML (required)")
	fitCmd.Flags().StringVar(&outPrefix, "out", "", "Output prefix (required)")
	fitCmd.Flags().StringVar(&modelsFlag, "models", "all", "Comma-separated model ids, prerequisites are added")
	fitCmd.Flags().StringVar(&configPath, "config", "", "YAML config file; flags override it")
	fitCmd.Flags().BoolVar(&qqPlots, "qq-plots", false, "Record QQ calibration curves")
	fitCmd.Flags().BoolVar(&costDiag, "cost", false, "Record per-tag likelihoods under every cost fidelity")
	fitCmd.Flags().BoolVar(&resume, "resume", false, "Resume from the checkpoint of a previous run")
	fitCmd.Flags().BoolVar(&trace, "trace", false, "Write a JSONL stage trace to <out>.trace.jsonl")
	fitCmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "Serve live progress on this address, e.g. :8080")
	fitCmd.Flags().Int64Var(&seed, "seed", 123, "Random seed")
	fitCmd.Flags().IntVar(&kmax, "kmax", 100, "Sampling budget per tag")
	fitCmd.Flags().IntVar(&threads, "threads", 0, "Engine threads (0 = all CPUs)")

	fitCmd.MarkFlagRequired("dataset")
	fitCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(fitCmd)
}

// fitConfig loads the config file, if any, and applies the flags the
// user set explicitly on top of it.
func fitConfig(cmd *cobra.Command) (run.Config, error) {
	cfg := run.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = run.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("models") {
		ids, err := run.ParseModels(modelsFlag)
		if err != nil {
			return cfg, err
		}
		cfg.Models = ids
	}
	if flags.Changed("qq-plots") {
		cfg.QQPlots = qqPlots
	}
	if flags.Changed("cost") {
		cfg.Cost = costDiag
	}
	if flags.Changed("resume") {
		cfg.Resume = resume
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("kmax") {
		cfg.Kmax = kmax
	}
	if flags.Changed("threads") {
		cfg.Threads = threads
	}
	return cfg, cfg.Validate()
}

// splitOut splits an output prefix into the results directory and the
// run name.
func splitOut(prefix string) (dir, name string, err error) {
	dir, name = filepath.Split(prefix)
	if name == "" {
		return "", "", &run.ConfigurationError{Field: "out", Reason: "must name a file prefix, not a directory"}
	}
	if dir == "" {
		dir = "."
	}
	return dir, name, nil
}

func runFit(cmd *cobra.Command, args []string) (err error) {
	cfg, err := fitConfig(cmd)
	if err != nil {
		return err
	}
	dir, name, err := splitOut(outPrefix)
	if err != nil {
		return err
	}

	ds, err := engine.LoadDataset(datasetPath)
	if err != nil {
		return &run.ConfigurationError{Field: "dataset", Reason: datasetPath, Err: err}
	}
	eng, err := engine.NewMemory(ds, slog.Default())
	if err != nil {
		return err
	}
	slog.Info("Loaded dataset", "path", datasetPath, "snps", eng.NumSNP(), "annotations", ds.AnnotNames)

	st, err := store.NewFSStore(dir)
	if err != nil {
		return err
	}

	var observers fit.Observers
	if trace {
		tw, terr := store.NewTraceWriter(st.TracePath(name), cfg.Resume)
		if terr != nil {
			return terr
		}
		defer func() {
			if cerr := tw.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close trace: %w", cerr)
			}
		}()
		observers = append(observers, tw)
	}

	out := run.Output{Store: st, Name: name, Logger: slog.Default()}
	if monitorAddr != "" {
		mon := server.NewMonitor(name)
		observers = append(observers, mon)
		out.Progress = mon

		srv := server.NewServer(monitorAddr, mon, st)
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("Monitor server failed", "addr", monitorAddr, "error", err)
			}
		}()
		defer func() {
			mon.Finish(err)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(ctx); serr != nil {
				slog.Warn("Monitor shutdown failed", "error", serr)
			}
		}()
	}
	if len(observers) > 0 {
		out.Observer = observers
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := run.Run(ctx, cfg, eng, ds.Annotations(), out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("Fit interrupted, checkpoint kept", "path", st.CheckpointPath(name))
		}
		return err
	}

	slog.Info("Fit complete", "elapsed", time.Since(start), "models", len(res.Models))
	printModels(cmd.OutOrStdout(), res)
	fmt.Fprintf(cmd.OutOrStdout(), "\nWrote %s\n", st.FinalPath(name))
	return nil
}

// printModels writes one line per fitted model with its last stage.
func printModels(w io.Writer, res *store.Results) {
	cat := catalog.Default()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tNAME\tSTAGES\tCOST\tAIC\tBIC\tCONVERGED")
	for _, id := range res.Completed() {
		m := res.Models[id]
		label := ""
		if r, err := cat.Recipe(id); err == nil {
			label = r.Name
		}
		if len(m.Optimize) == 0 {
			fmt.Fprintf(tw, "%d\t%s\t0\t-\t-\t-\t-\n", id, label)
			continue
		}
		last := m.Optimize[len(m.Optimize)-1]
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.4f\t%.2f\t%.2f\t%t\n",
			id, label, len(m.Optimize), float64(last.Cost), float64(last.AIC), float64(last.BIC), last.Converged)
	}
	tw.Flush()
}
