package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/rpclatency/internal/metrics"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

func testReport() Report {
	records := []types.LatencyRecord{
		{Index: 0, TxHash: "0xaa", Send: 10 * time.Millisecond, Confirm: 120 * time.Millisecond, Total: 130 * time.Millisecond, Status: types.StatusConfirmed, Receipt: types.ReceiptSuccess},
		{Index: 1, TxHash: "0xbb", Send: 20 * time.Millisecond, Confirm: 95 * time.Millisecond, Total: 115 * time.Millisecond, Status: types.StatusConfirmed, Receipt: types.ReceiptFailed},
		{Index: 3, TxHash: "0xdd", Send: 25 * time.Millisecond, Confirm: 2 * time.Second, Total: 2025 * time.Millisecond, Status: types.StatusUnknown, Reason: types.UnknownReasonTimeout},
	}
	failures := []types.TxFailure{{Index: 2, Nonce: 12, Stage: types.StageSend, Error: "nonce too low"}}
	summary := metrics.Summarize(records, failures)
	summary.Elapsed = 2500 * time.Millisecond

	return Report{
		Info: types.RunInfo{
			Label:       "rise-testnet",
			Strategy:    types.StrategySyncSingleCall,
			Sequencing:  types.SequencingSequential,
			Method:      "eth_sendRawTransactionSync",
			RPCURL:      "https://testnet.riselabs.xyz",
			ChainID:     11155931,
			Wallet:      "0x1234567890123456789012345678901234567890",
			GasPriceWei: 3_500_000_000,
			StartedAt:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		},
		Summary: summary,
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tests := []struct {
		label string
		ext   string
		want  string
	}{
		{label: "", ext: ".md", want: "rpc-test-2026-03-14-092653.md"},
		{label: "rise", ext: ".json", want: "rise-2026-03-14-092653.json"},
		{label: "a/b c", ext: ".md", want: "a_b_c-2026-03-14-092653.md"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FileName(tt.label, at, tt.ext); got != tt.want {
				t.Errorf("FileName(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

func TestWriteMarkdown_Sections(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, testReport()); err != nil {
		t.Fatalf("WriteMarkdown() error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# RPC Latency Test Results: rise-testnet",
		"## Test Information",
		"- **Date and Time**: 2026-03-14 09:26:53 UTC",
		"- **Chain ID**: 11155931",
		"- **Gas Price**: 3 gwei",
		"- **Transaction Method**: eth_sendRawTransactionSync",
		"- **Total Test Duration**: 2500 ms",
		"- **Number of Transactions**: 3",
		"- **Failed Transactions**: 1",
		"## Summary Statistics",
		"## Individual Transaction Results",
		"`0xdd`",
		"unknown (timeout)",
		"## Failed Transactions",
		"nonce too low",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q\n%s", want, out)
		}
	}
}

func TestWriteMarkdown_DefaultTitleNoFailures(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, Report{Summary: metrics.Summarize(nil, nil)}); err != nil {
		t.Fatalf("WriteMarkdown() error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "# RPC Latency Test Results: Default") {
		t.Errorf("missing default title:\n%s", out)
	}
	if strings.Contains(out, "## Failed Transactions") {
		t.Error("failed transactions section rendered for a run without failures")
	}
}

func TestParseMarkdownStats_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rep  Report
	}{
		{name: "populated", rep: testReport()},
		{name: "empty", rep: Report{Summary: metrics.Summarize(nil, nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteMarkdown(&buf, tt.rep); err != nil {
				t.Fatalf("WriteMarkdown() error: %v", err)
			}
			got, err := ParseMarkdownStats(&buf)
			if err != nil {
				t.Fatalf("ParseMarkdownStats() error: %v", err)
			}
			s := tt.rep.Summary
			want := Stats{Send: s.Send, Confirm: s.Confirm, Total: s.Total}
			if got != want {
				t.Errorf("ParseMarkdownStats() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestParseMarkdownStats_Original(t *testing.T) {
	md := `# RPC Latency Test Results: Default

## Summary Statistics

| Metric | Min (ms) | Max (ms) | Avg (ms) |
|--------|----------|----------|----------|
| Send Time | 10 | 25 | 18 |
| Confirm Time | 0 | 0 | 0 |
| Total Time | 10 | 25 | 18 |

## Individual Transaction Results
`
	got, err := ParseMarkdownStats(strings.NewReader(md))
	if err != nil {
		t.Fatalf("ParseMarkdownStats() error: %v", err)
	}
	want := types.PhaseStats{MinMs: 10, MaxMs: 25, AvgMs: 18}
	if got.Send != want || got.Total != want || got.Confirm != (types.PhaseStats{}) {
		t.Errorf("ParseMarkdownStats() = %+v", got)
	}
}

func TestParseMarkdownStats_Errors(t *testing.T) {
	tests := []struct {
		name string
		md   string
	}{
		{name: "no table", md: "# nothing here\n"},
		{name: "missing row", md: "## Summary Statistics\n| Send Time | 1 | 2 | 3 |\n| Total Time | 1 | 2 | 3 |\n"},
		{name: "bad number", md: "## Summary Statistics\n| Send Time | 1 | x | 3 |\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMarkdownStats(strings.NewReader(tt.md)); err == nil {
				t.Error("ParseMarkdownStats() expected error")
			}
		})
	}
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	rep := testReport()

	paths, err := Save(dir, rep, true)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Save() paths = %v, want 2", paths)
	}
	if filepath.Base(paths[0]) != "rise-testnet-2026-03-14-092653.md" {
		t.Errorf("markdown path = %s", paths[0])
	}

	data, err := os.ReadFile(paths[1])
	if err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json report does not decode: %v", err)
	}
	if decoded.Summary.Total != rep.Summary.Total || len(decoded.Summary.Records) != 3 {
		t.Errorf("decoded summary = %+v", decoded.Summary)
	}
}

func TestPrintConsole(t *testing.T) {
	var buf bytes.Buffer
	PrintConsole(&buf, testReport().Summary)
	out := buf.String()
	for _, want := range []string{"Send", "Confirm", "Total", "3 ok", "1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q\n%s", want, out)
		}
	}
}
