// Command agentctl is the operator CLI for agentd: querying the audit
// ledger, managing incident workspaces, and deciding on pending
// destructive-command approvals. Every subcommand is a thin
// HTTP-over-Unix-socket call against agentd's local API, one small,
// focused command per concern rather than a single do-everything
// subcommand.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "agentctl",
		Short: "operator CLI for the osMODA ledger daemon (agentd)",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/osmoda/agentd.sock", "agentd Unix domain socket")

	root.AddCommand(
		ledgerCmd(),
		incidentCmd(),
		approvalCmd(),
		healthCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Println("error:", err)
	}
}

func newClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func doRequest(method, path string, body interface{}) (string, error) {
	client := newClient()

	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequest(method, "http://agentd"+path, reader)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reach agentd at %s: %w", socketPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("agentd returned %d: %s", resp.StatusCode, data)
	}
	return prettyJSON(data), nil
}

func prettyJSON(data []byte) string {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(pretty)
}

func printResult(out string, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "query and verify the audit ledger"}

	var typ, actor string
	var limit int64
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "list recent ledger events, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/ledger/query?type=%s&actor=%s&limit=%d", typ, actor, limit)
			return printResult(doRequest(http.MethodGet, path, nil))
		},
	}
	queryCmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	queryCmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	queryCmd.Flags().Int64Var(&limit, "limit", 50, "maximum events to return")

	var searchQuery string
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "full-text search ledger payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(doRequest(http.MethodGet, "/ledger/search?q="+searchQuery, nil))
		},
	}
	searchCmd.Flags().StringVar(&searchQuery, "q", "", "full-text search query")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "walk the hash chain and report whether it is intact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(doRequest(http.MethodGet, "/ledger/verify", nil))
		},
	}

	cmd.AddCommand(queryCmd, searchCmd, verifyCmd)
	return cmd
}

func incidentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "incident", Short: "manage incident workspaces"}

	var title, actor string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "open a new incident workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"title": title, "actor": actor}
			return printResult(doRequest(http.MethodPost, "/incident/create", body))
		},
	}
	createCmd.Flags().StringVar(&title, "title", "", "incident title")
	createCmd.Flags().StringVar(&actor, "actor", "operator", "who is opening the incident")

	var incidentID, note string
	stepCmd := &cobra.Command{
		Use:   "step",
		Short: "append a timeline step to an incident",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"note": note, "actor": actor}
			return printResult(doRequest(http.MethodPost, "/incident/"+incidentID+"/step", body))
		},
	}
	stepCmd.Flags().StringVar(&incidentID, "id", "", "incident id")
	stepCmd.Flags().StringVar(&note, "note", "", "step note")
	stepCmd.Flags().StringVar(&actor, "actor", "operator", "who is recording this step")

	var listID string
	listCmd := &cobra.Command{
		Use:   "steps",
		Short: "list an incident's timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(doRequest(http.MethodGet, "/incident/"+listID+"/steps", nil))
		},
	}
	listCmd.Flags().StringVar(&listID, "id", "", "incident id")

	cmd.AddCommand(createCmd, stepCmd, listCmd)
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "manage destructive-command approvals"}

	var checkCommand string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "report whether a command matches the destructive pattern list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(doRequest(http.MethodGet, "/approval/check?command="+checkCommand, nil))
		},
	}
	checkCmd.Flags().StringVar(&checkCommand, "command", "", "command or operation name to check")

	var reqCommand, reqActor, reqReason string
	var reqTTL uint64
	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "open a pending approval for a destructive command",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"command": reqCommand, "actor": reqActor, "reason": reqReason, "ttl_secs": reqTTL}
			return printResult(doRequest(http.MethodPost, "/approval/request", body))
		},
	}
	requestCmd.Flags().StringVar(&reqCommand, "command", "", "the command or operation requiring approval")
	requestCmd.Flags().StringVar(&reqActor, "actor", "", "who/what is requesting approval")
	requestCmd.Flags().StringVar(&reqReason, "reason", "", "why this command is needed")
	requestCmd.Flags().Uint64Var(&reqTTL, "ttl-secs", 0, "how long the approval stays pending (default 600s, max 3600s)")

	var decideID, decideBy string
	approveCmd := &cobra.Command{
		Use:   "approve",
		Short: "approve a pending approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"by": decideBy}
			return printResult(doRequest(http.MethodPost, "/approval/"+decideID+"/approve", body))
		},
	}
	denyCmd := &cobra.Command{
		Use:   "deny",
		Short: "deny a pending approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"by": decideBy}
			return printResult(doRequest(http.MethodPost, "/approval/"+decideID+"/deny", body))
		},
	}
	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&decideID, "id", "", "approval id")
		c.Flags().StringVar(&decideBy, "by", "operator", "who is deciding")
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "list all pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(doRequest(http.MethodGet, "/approval/pending", nil))
		},
	}

	cmd.AddCommand(checkCmd, requestCmd, approveCmd, denyCmd, pendingCmd)
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "check agentd's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(doRequest(http.MethodGet, "/health", nil))
		},
	}
}
