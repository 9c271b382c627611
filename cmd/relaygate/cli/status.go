package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the gateway is running",
		Long:  "Check the gateway process and query its /status endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	pid, err := readPID()
	if err != nil {
		fmt.Println("Server is not running (no PID file found).")
		return nil
	}

	if !isProcessRunning(pid) {
		removePID()
		fmt.Println("Server is not running (stale PID file removed).")
		return nil
	}

	st := loadSettings(viper.GetViper())
	host := st.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	statusAddr := fmt.Sprintf("http://%s:%d/status", host, st.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(statusAddr)
	if err != nil {
		fmt.Printf("Server process is running (PID %d) but not responding to HTTP.\n", pid)
		fmt.Printf("  Logs: %s\n", logFilePath())
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		Version string `json:"version"`
		Uptime  int64  `json:"uptime_seconds"`
		Rules   int    `json:"rules"`
	}
	json.NewDecoder(resp.Body).Decode(&body)

	fmt.Printf("Server is running (PID %d)\n", pid)
	fmt.Printf("  Status:  %s (%d)\n", statusAddr, resp.StatusCode)
	if body.Version != "" {
		fmt.Printf("  Version: %s\n", body.Version)
		fmt.Printf("  Uptime:  %s\n", time.Duration(body.Uptime)*time.Second)
		fmt.Printf("  Rules:   %d\n", body.Rules)
	}
	fmt.Printf("  Logs:    %s\n", logFilePath())
	return nil
}
