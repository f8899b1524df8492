package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	addr       string
	jsonOutput bool
}

// serverStatus mirrors the data payload of GET /api/server/status.
type serverStatus struct {
	Status           string `json:"status"`
	Uptime           int64  `json:"uptime"`
	TotalConnections int    `json:"totalConnections"`
	TotalRooms       int    `json:"totalRooms"`
	Timestamp        int64  `json:"timestamp"`
	Version          string `json:"version"`
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running relay",
		Long:  `Query a running relay's control-plane status endpoint and print the result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "addr", "http://127.0.0.1:8080", "relay control-plane base URL")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(strings.TrimRight(cfg.addr, "/") + "/api/server/status")
	if err != nil {
		return fmt.Errorf("failed to reach relay at %s: %w", cfg.addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from relay", resp.StatusCode)
	}

	var envelope struct {
		Success bool         `json:"success"`
		Data    serverStatus `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(envelope.Data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "STATUS\t%s\n", envelope.Data.Status)
	fmt.Fprintf(w, "VERSION\t%s\n", envelope.Data.Version)
	fmt.Fprintf(w, "UPTIME\t%s\n", (time.Duration(envelope.Data.Uptime) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "CONNECTIONS\t%d\n", envelope.Data.TotalConnections)
	fmt.Fprintf(w, "ROOMS\t%d\n", envelope.Data.TotalRooms)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	cmd.Print(b.String())
	return nil
}
