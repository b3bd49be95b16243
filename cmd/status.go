package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query a running server",
	Long: `Queries a running server for health, cache statistics and recent runs.
If run-id is provided, shows detailed status for that run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:5000", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// runStatusInfo mirrors the JSON shape of server.Run.
type runStatusInfo struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	KeyHash   string     `json:"keyHash"`
	Forced    bool       `json:"forceRecal"`
	Cached    bool       `json:"cached"`
	Shared    bool       `json:"shared"`
	LogID     string     `json:"logId"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Error     string     `json:"error"`
	Key       struct {
		FuncName   string  `json:"funcName"`
		Dimensions int     `json:"dimensions"`
		Evals      float64 `json:"evals"`
	} `json:"key"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	if len(args) == 1 {
		var run runStatusInfo
		if err := getJSON(client, serverURL+"/api/v1/runs/"+args[0], &run); err != nil {
			return err
		}
		printRun(run)
		return nil
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := getJSON(client, serverURL+"/healthz", &health); err != nil {
		return err
	}
	fmt.Printf("Server: %s (%s)\n", serverURL, health.Status)

	var stats struct {
		Backend string `json:"backend"`
		Entries int64  `json:"entries"`
		Hits    int64  `json:"hits"`
		Misses  int64  `json:"misses"`
	}
	if err := getJSON(client, serverURL+"/api/v1/cache/stats", &stats); err != nil {
		return err
	}
	fmt.Printf("Cache: %s, %d entries, %d hits, %d misses\n\n", stats.Backend, stats.Entries, stats.Hits, stats.Misses)

	var runs []runStatusInfo
	if err := getJSON(client, serverURL+"/api/v1/runs", &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("Found %d run(s):\n\n", len(runs))
	for _, run := range runs {
		fmt.Printf("Run ID: %s\n", run.ID)
		fmt.Printf("  State: %s\n", run.State)
		fmt.Printf("  Objective: %s (d=%d, evals=%g)\n", run.Key.FuncName, run.Key.Dimensions, run.Key.Evals)
		fmt.Printf("  Started: %s\n", humanize.Time(run.StartTime))
		fmt.Println()
	}
	return nil
}

func printRun(run runStatusInfo) {
	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("State: %s\n", run.State)
	fmt.Println()

	fmt.Println("Request:")
	fmt.Printf("  Objective: %s\n", run.Key.FuncName)
	fmt.Printf("  Dimensions: %d\n", run.Key.Dimensions)
	fmt.Printf("  Evals: %g\n", run.Key.Evals)
	fmt.Printf("  Key: %s\n", run.KeyHash)
	fmt.Printf("  Force recalculation: %v\n", run.Forced)
	fmt.Println()

	fmt.Println("Outcome:")
	fmt.Printf("  Cached: %v\n", run.Cached)
	if run.Shared {
		fmt.Println("  Shared with a concurrent request")
	}
	if run.LogID != "" {
		fmt.Printf("  Log: /download_solution/%s\n", run.LogID)
	}
	if run.EndTime != nil {
		fmt.Printf("  Elapsed: %s\n", run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Printf("\nError: %s\n", run.Error)
	}
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
