package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/rpclatency/internal/storage"
)

// maxListedRecords caps the per-transaction lines of latency_run_detail.
const maxListedRecords = 20

// RegisterTools registers all history tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(gomcp.NewTool("latency_health",
		gomcp.WithDescription("Health check for the rpclatency history server and its RPC endpoint."),
	), healthHandler(client))

	s.AddTool(gomcp.NewTool("latency_runs",
		gomcp.WithDescription("List latency runs, newest first, with send/confirm/total statistics (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	), runsHandler(client))

	s.AddTool(gomcp.NewTool("latency_run_detail",
		gomcp.WithDescription("Get one latency run by ID with its per-transaction records and failures."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), runDetailHandler(client))

	s.AddTool(gomcp.NewTool("latency_delete_run",
		gomcp.WithDescription("Delete a latency run with its records and failures. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	), deleteRunHandler(client))
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History server unhealthy: %v\n\nIs it running? Try: rpclatency serve", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	}
}

func runsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	}
}

func runDetailHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || strings.TrimSpace(id) == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	}
}

func deleteRunHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || strings.TrimSpace(id) == "" {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	}
}

// Response formatting functions

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !m.Ready {
		state = "NOT READY"
	}
	lines := section("rpclatency Health: " + state)
	for _, c := range m.Checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatRuns(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Latency Runs"),
		kv("Total Runs", formatNumber(page.Total)),
	) + "\n\n"

	if len(page.Runs) == 0 {
		return lines + "No runs found."
	}

	for _, run := range page.Runs {
		lines += fmt.Sprintf("### %s\n", run.ID)
		lines += runSummary(&run)
		lines += "\n\n"
	}
	return strings.TrimRight(lines, "\n")
}

func runSummary(run *storage.Run) string {
	label := run.Label
	if label == "" {
		label = "-"
	}
	return joinLines(
		kv("Label", label),
		kv("Status", run.Status),
		kv("Strategy", fmt.Sprintf("%s (%s)", run.Strategy, run.Method)),
		kv("Sequencing", run.Sequencing),
		kv("Endpoint", run.RPCURL),
		kv("Started", run.StartedAt.UTC().Format("2006-01-02 15:04:05")),
		kv("Transactions", fmt.Sprintf("%s requested, %s confirmed, %s unknown, %s failed",
			formatNumber(run.Requested), formatNumber(run.TxConfirmed),
			formatNumber(run.TxUnknown), formatNumber(run.TxFailed))),
		kv("Send", formatPhase(run.Send)),
		kv("Confirm", formatPhase(run.Confirm)),
		kv("Total", formatPhase(run.Total)),
	)
}

func formatRunDetail(raw json.RawMessage) string {
	var detail storage.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	if detail.Run == nil {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+detail.Run.ID),
		runSummary(detail.Run),
		kv("Elapsed", fmt.Sprintf("%sms", formatNumber(detail.Run.ElapsedMs))),
	)
	if detail.Run.ErrorMessage != "" {
		lines += "\n" + kv("Error", detail.Run.ErrorMessage)
	}

	if len(detail.Records) > 0 {
		lines += "\n\n" + section("Transactions")
		for i, r := range detail.Records {
			if i >= maxListedRecords {
				lines += fmt.Sprintf("\n... and %d more", len(detail.Records)-maxListedRecords)
				break
			}
			lines += fmt.Sprintf("\n  [%d] %s  %s  send=%dms confirm=%dms total=%dms",
				r.Index+1, shortHash(r.TxHash), r.Status,
				r.Send.Milliseconds(), r.Confirm.Milliseconds(), r.Total.Milliseconds())
		}
	}

	if len(detail.Failures) > 0 {
		lines += "\n\n" + section("Failures")
		for _, f := range detail.Failures {
			lines += fmt.Sprintf("\n  [%d] nonce=%d %s: %s", f.Index+1, f.Nonce, f.Stage, f.Error)
		}
	}
	return lines
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:18] + "..."
}
