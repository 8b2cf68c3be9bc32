// Package report renders batch results as Markdown, JSON and console tables.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/olekukonko/tablewriter"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// DefaultPrefix names report files of unlabelled runs.
const DefaultPrefix = "rpc-test"

const fileTimeLayout = "2006-01-02-150405"

// Report is one batch and the run it belongs to.
type Report struct {
	Info    types.RunInfo       `json:"run"`
	Summary *types.BatchSummary `json:"summary"`
}

// Stats holds the per-phase summary table of a report.
type Stats struct {
	Send    types.PhaseStats
	Confirm types.PhaseStats
	Total   types.PhaseStats
}

// FileName returns "<label>-YYYY-MM-DD-HHMMSS<ext>", using DefaultPrefix when label is empty.
func FileName(label string, at time.Time, ext string) string {
	prefix := sanitize(label)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-%s%s", prefix, at.UTC().Format(fileTimeLayout), ext)
}

// sanitize keeps label usable as a file name.
func sanitize(label string) string {
	label = strings.TrimSpace(label)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == ' ':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, label)
}

// Save writes the Markdown report, and the JSON one when withJSON is set, under dir.
// It returns the written paths.
func Save(dir string, rep Report, withJSON bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	at := rep.Info.StartedAt
	if at.IsZero() {
		at = time.Now()
	}

	var paths []string
	mdPath := filepath.Join(dir, FileName(rep.Info.Label, at, ".md"))
	if err := writeFile(mdPath, func(w io.Writer) error { return WriteMarkdown(w, rep) }); err != nil {
		return nil, err
	}
	paths = append(paths, mdPath)

	if withJSON {
		jsonPath := filepath.Join(dir, FileName(rep.Info.Label, at, ".json"))
		if err := writeFile(jsonPath, func(w io.Writer) error { return WriteJSON(w, rep) }); err != nil {
			return paths, err
		}
		paths = append(paths, jsonPath)
	}
	return paths, nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := render(bw); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// WriteMarkdown renders the report as Markdown.
func WriteMarkdown(w io.Writer, rep Report) error {
	s := rep.Summary
	if s == nil {
		s = &types.BatchSummary{}
	}
	info := rep.Info

	title := info.Label
	if title == "" {
		title = "Default"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# RPC Latency Test Results: %s\n\n", title)

	b.WriteString("## Test Information\n\n")
	fmt.Fprintf(&b, "- **Date and Time**: %s\n", info.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- **RPC URL**: %s\n", info.RPCURL)
	fmt.Fprintf(&b, "- **Chain ID**: %d\n", info.ChainID)
	fmt.Fprintf(&b, "- **Wallet**: %s\n", info.Wallet)
	fmt.Fprintf(&b, "- **Gas Price**: %s gwei\n", gwei(info.GasPriceWei))
	fmt.Fprintf(&b, "- **Transaction Method**: %s\n", info.Method)
	fmt.Fprintf(&b, "- **Sequencing**: %s\n", info.Sequencing)
	fmt.Fprintf(&b, "- **Total Test Duration**: %d ms\n", s.Elapsed.Milliseconds())
	fmt.Fprintf(&b, "- **Number of Transactions**: %d\n", s.Count())
	fmt.Fprintf(&b, "- **Failed Transactions**: %d\n\n", len(s.Failures))

	b.WriteString("## Summary Statistics\n\n")
	table := markdownTable(&b, []string{"Metric", "Min (ms)", "Max (ms)", "Avg (ms)"})
	table.Append(statsRow("Send Time", s.Send))
	table.Append(statsRow("Confirm Time", s.Confirm))
	table.Append(statsRow("Total Time", s.Total))
	table.Render()
	b.WriteString("\n")

	b.WriteString("## Individual Transaction Results\n\n")
	table = markdownTable(&b, []string{"TX#", "Send (ms)", "Confirm (ms)", "Total (ms)", "Status", "Hash"})
	for _, r := range s.Records {
		table.Append([]string{
			strconv.Itoa(r.Index + 1),
			ms(r.Send),
			ms(r.Confirm),
			ms(r.Total),
			recordStatus(r),
			"`" + r.TxHash + "`",
		})
	}
	table.Render()

	if len(s.Failures) > 0 {
		b.WriteString("\n## Failed Transactions\n\n")
		table = markdownTable(&b, []string{"TX#", "Nonce", "Stage", "Error"})
		for _, f := range s.Failures {
			table.Append([]string{
				strconv.Itoa(f.Index + 1),
				strconv.FormatUint(f.Nonce, 10),
				f.Stage,
				strings.ReplaceAll(f.Error, "|", `\|`),
			})
		}
		table.Render()
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON renders the report as indented JSON.
func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// PrintConsole writes a summary table for terminal output.
func PrintConsole(w io.Writer, s *types.BatchSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Phase", "Min (ms)", "Max (ms)", "Avg (ms)"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.Append(statsRow("Send", s.Send))
	table.Append(statsRow("Confirm", s.Confirm))
	table.Append(statsRow("Total", s.Total))
	table.SetFooter([]string{"", "", fmt.Sprintf("%d ok", s.Count()), fmt.Sprintf("%d failed", len(s.Failures))})
	table.Render()
}

func markdownTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	return table
}

func statsRow(name string, p types.PhaseStats) []string {
	return []string{
		name,
		strconv.FormatInt(p.MinMs, 10),
		strconv.FormatInt(p.MaxMs, 10),
		strconv.FormatInt(p.AvgMs, 10),
	}
}

func recordStatus(r types.LatencyRecord) string {
	switch {
	case r.Status == types.StatusUnknown && r.Reason != types.UnknownReasonNone:
		return string(r.Status) + " (" + string(r.Reason) + ")"
	case r.Receipt != "":
		return string(r.Receipt)
	}
	return string(r.Status)
}

func ms(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// gwei formats wei as whole gwei, truncated.
func gwei(wei uint64) string {
	v := new(big.Int).SetUint64(wei)
	return v.Quo(v, big.NewInt(params.GWei)).String()
}
