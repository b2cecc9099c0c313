package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newWorkerStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "worker-status",
		Short: "Query a running instance's /worker-status admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "base URL of the running admin HTTP server")
	return cmd
}

func runWorkerStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/worker-status")
	if err != nil {
		return newUsageError("reaching %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", addr, resp.StatusCode)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding response from %s: %w", addr, err)
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
