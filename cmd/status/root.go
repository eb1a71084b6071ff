package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	cmdUtil "github.com/finnhauser/quorumdb/cmd/util"
)

// StatusCmd queries a running node's HTTP status endpoint and prints its
// role, commit position, and peer table (spec.md SUPPLEMENTED FEATURES: an
// operator-facing status query, alongside the /metrics scrape target).
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running quorumdb node's status endpoint",
	RunE:  run,
}

func init() {
	key := "address"
	StatusCmd.Flags().String(key, "http://localhost:9090", cmdUtil.WrapString("Base URL of the node's status HTTP server (its configured metrics-address)"))

	key = "timeout"
	StatusCmd.Flags().Duration(key, 5*time.Second, cmdUtil.WrapString("Request timeout"))

	key = "raw"
	StatusCmd.Flags().Bool(key, false, cmdUtil.WrapString("Print the raw JSON response instead of a formatted summary"))
}

func run(cmd *cobra.Command, _ []string) error {
	address, _ := cmd.Flags().GetString("address")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	raw, _ := cmd.Flags().GetBool("raw")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(address + "/status")
	if err != nil {
		return fmt.Errorf("querying %s/status: %w", address, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s: %s", resp.Status, body)
	}

	if raw {
		fmt.Println(string(body))
		return nil
	}
	return printSummary(body)
}

type peerSummary struct {
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	State       string  `json:"state"`
	LoggedIn    bool    `json:"loggedIn"`
	Subscribed  bool    `json:"subscribed"`
	CommitCount uint64  `json:"commitCount"`
	Priority    int64   `json:"priority"`
	LatencyMs   float64 `json:"latencyMs"`
}

type statusSummary struct {
	Name             string        `json:"name"`
	Version          string        `json:"version"`
	State            string        `json:"state"`
	StateSinceMs     int64         `json:"stateSinceMs"`
	CommitCount      uint64        `json:"commitCount"`
	Priority         int64         `json:"priority"`
	LeadPeer         string        `json:"leadPeer,omitempty"`
	HasQuorum        bool          `json:"hasQuorum"`
	StateChangeCount uint64        `json:"stateChangeCount"`
	Peers            []peerSummary `json:"peers"`
}

func printSummary(body []byte) error {
	var s statusSummary
	if err := json.Unmarshal(body, &s); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	fmt.Printf("%-18s: %s (v%s)\n", "node", s.Name, s.Version)
	fmt.Printf("%-18s: %s (for %dms)\n", "state", s.State, s.StateSinceMs)
	fmt.Printf("%-18s: %d\n", "commit count", s.CommitCount)
	fmt.Printf("%-18s: %d\n", "priority", s.Priority)
	fmt.Printf("%-18s: %t\n", "has quorum", s.HasQuorum)
	if s.LeadPeer != "" {
		fmt.Printf("%-18s: %s\n", "lead peer", s.LeadPeer)
	}
	fmt.Printf("%-18s: %d\n", "state changes", s.StateChangeCount)

	if len(s.Peers) > 0 {
		fmt.Println("\npeers:")
		for _, p := range s.Peers {
			fmt.Printf("  %-12s %-22s state=%-12s loggedIn=%-5t subscribed=%-5t commit=%-6d priority=%-4d latency=%.1fms\n",
				p.Name, p.Address, p.State, p.LoggedIn, p.Subscribed, p.CommitCount, p.Priority, p.LatencyMs)
		}
	}
	return nil
}
