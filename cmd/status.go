package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/strao1986/mixer/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the progress of a running fit",
	Long: `Queries the monitor of a fit started with --monitor-addr and prints
the state of every model.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd.OutOrStdout(), serverURL)
	},
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Monitor URL")
	rootCmd.AddCommand(statusCmd)
}

type statusResponse struct {
	server.RunStatus
	Elapsed float64 `json:"elapsed"`
}

func fetchStatus(baseURL string) (*statusResponse, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/run")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

func printStatus(w io.Writer, baseURL string) error {
	status, err := fetchStatus(baseURL)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run: %s (%s)\n", status.Name, status.RunID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "Elapsed: %s\n\n", elapsed.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTATE\tSTAGE\tBEST COST")
	for _, m := range status.Models {
		cost := "-"
		if c := float64(m.BestCost); !math.IsNaN(c) {
			cost = fmt.Sprintf("%.4f", c)
		}
		stage := m.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.ID, m.State, stage, cost)
	}
	tw.Flush()

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}
	return nil
}
