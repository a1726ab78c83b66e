package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	scheduleProject string
	scheduleServer  string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage a project's evolution schedule",
}

var scheduleStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel a project's evolution loop",
	Long: `Ask the running daemon to stop a project's evolution loop. The
in-flight cycle, if any, finishes before the loop stops.

Exits 0 when a loop was running, 1 when none was active.`,
	RunE: runScheduleStop,
}

func init() {
	scheduleCmd.PersistentFlags().StringVar(&scheduleProject, "project", "", "project id (required)")
	scheduleCmd.PersistentFlags().StringVar(&scheduleServer, "server", "http://localhost:9610", "daemon base URL")
	_ = scheduleCmd.MarkPersistentFlagRequired("project")
	scheduleCmd.AddCommand(scheduleStopCmd)
}

func runScheduleStop(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/projects/%s/schedule/stop", scheduleServer, scheduleProject)
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("evolution stopped for %s\n", scheduleProject)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no active schedule for %s", scheduleProject)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(body))
	}
}
