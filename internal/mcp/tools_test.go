package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/gateway-fm/rpclatency/internal/storage"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

func sampleRun() storage.Run {
	return storage.Run{
		RunInfo: types.RunInfo{
			ID:         "run-1",
			Label:      "nightly",
			Strategy:   types.StrategySyncSingleCall,
			Sequencing: types.SequencingSequential,
			Method:     "eth_sendRawTransactionSync",
			RPCURL:     "http://node:8545",
			Requested:  1500,
			StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Status:      types.RunStatusCompleted,
		ElapsedMs:   12345,
		TxConfirmed: 1499,
		TxUnknown:   1,
		Send:        types.PhaseStats{MinMs: 10, MaxMs: 90, AvgMs: 40},
		Total:       types.PhaseStats{MinMs: 10, MaxMs: 90, AvgMs: 40},
	}
}

// historyAPI serves canned responses for the history endpoints.
func historyAPI(t *testing.T, deleted *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/runs":
			if got := r.URL.Query().Get("limit"); got != "5" {
				t.Errorf("limit = %q, want 5", got)
			}
			_ = json.NewEncoder(w).Encode(storage.PaginatedRuns{Runs: []storage.Run{sampleRun()}, Total: 1, Limit: 5})
		case r.URL.Path == "/v1/runs/run-1" && r.Method == http.MethodGet:
			run := sampleRun()
			_ = json.NewEncoder(w).Encode(storage.RunDetail{
				Run: &run,
				Records: []types.LatencyRecord{{
					Index: 0, TxHash: "0xabcdef0123456789abcdef", Status: types.StatusConfirmed,
					Send: 40 * time.Millisecond, Total: 40 * time.Millisecond,
				}},
				Failures: []types.TxFailure{{Index: 1, Nonce: 8, Stage: types.StageSend, Error: "nonce too low"}},
			})
		case r.URL.Path == "/v1/runs/run-1" && r.Method == http.MethodDelete:
			*deleted = "run-1"
			_, _ = w.Write([]byte(`{"deleted":true}`))
		case r.URL.Path == "/ready":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ready":false,"checks":[{"name":"rpc","status":"failed","error":"connection refused"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Run not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, h func(context.Context, gomcp.CallToolRequest) (*gomcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req gomcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(gomcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestRunsHandler(t *testing.T) {
	client := NewClient(historyAPI(t, nil).URL)

	out, isErr := call(t, runsHandler(client), map[string]any{"limit": 5})
	if isErr {
		t.Fatalf("unexpected error result: %s", out)
	}
	for _, want := range []string{"## Latency Runs", "### run-1", "nightly", "sync (eth_sendRawTransactionSync)", "1,500 requested", "min 10ms  avg 40ms  max 90ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunDetailHandler(t *testing.T) {
	client := NewClient(historyAPI(t, nil).URL)

	out, isErr := call(t, runDetailHandler(client), map[string]any{"id": "run-1"})
	if isErr {
		t.Fatalf("unexpected error result: %s", out)
	}
	for _, want := range []string{"## Run: run-1", "12,345ms", "## Transactions", "0xabcdef0123456789...", "send=40ms", "## Failures", "nonce=8 send: nonce too low"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, isErr = call(t, runDetailHandler(client), map[string]any{"id": "missing"})
	if !isErr || !strings.Contains(out, "HTTP 404") {
		t.Errorf("missing run: isErr=%v out=%q", isErr, out)
	}

	if _, isErr := call(t, runDetailHandler(client), map[string]any{}); !isErr {
		t.Error("expected error result without id")
	}
}

func TestDeleteRunHandler(t *testing.T) {
	var deleted string
	client := NewClient(historyAPI(t, &deleted).URL)

	out, isErr := call(t, deleteRunHandler(client), map[string]any{"id": "run-1"})
	if isErr {
		t.Fatalf("unexpected error result: %s", out)
	}
	if deleted != "run-1" {
		t.Errorf("deleted = %q, want run-1", deleted)
	}
	if !strings.Contains(out, "## Run Deleted") {
		t.Errorf("output = %q", out)
	}
}

func TestHealthHandler_NotReady(t *testing.T) {
	client := NewClient(historyAPI(t, nil).URL)

	out, isErr := call(t, healthHandler(client), nil)
	if !isErr {
		t.Fatalf("expected error result, got %q", out)
	}
	if !strings.Contains(out, "HTTP 503") || !strings.Contains(out, "connection refused") {
		t.Errorf("output = %q", out)
	}
}

func TestFormatHealth(t *testing.T) {
	out := formatHealth(json.RawMessage(`{"ready":true,"checks":[{"name":"rpc","status":"ok","latency_ms":3}]}`))
	if !strings.Contains(out, "READY") || !strings.Contains(out, "rpc             ok (3ms)") {
		t.Errorf("formatHealth() = %q", out)
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{int64(-1234567), "-1,234,567"},
		{float64(12345), "12,345"},
		{1.5, "1.5"},
		{uint64(100000), "100,000"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
