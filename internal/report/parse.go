package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

const summaryHeading = "## Summary Statistics"

// ParseMarkdownStats reads the summary statistics table back from a Markdown report.
func ParseMarkdownStats(r io.Reader) (Stats, error) {
	var (
		stats     Stats
		inSummary bool
		seen      = map[string]bool{}
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "## ") {
			if inSummary {
				break
			}
			inSummary = line == summaryHeading
			continue
		}
		if !inSummary || !strings.HasPrefix(line, "|") {
			continue
		}

		cells := splitRow(line)
		if len(cells) != 4 {
			continue
		}
		var dst *types.PhaseStats
		switch cells[0] {
		case "Send Time":
			dst = &stats.Send
		case "Confirm Time":
			dst = &stats.Confirm
		case "Total Time":
			dst = &stats.Total
		default:
			continue
		}
		p, err := parsePhase(cells[1:])
		if err != nil {
			return Stats{}, fmt.Errorf("row %q: %w", cells[0], err)
		}
		*dst = p
		seen[cells[0]] = true
	}
	if err := sc.Err(); err != nil {
		return Stats{}, err
	}

	for _, name := range []string{"Send Time", "Confirm Time", "Total Time"} {
		if !seen[name] {
			return Stats{}, fmt.Errorf("summary statistics: missing %q row", name)
		}
	}
	return stats, nil
}

func splitRow(line string) []string {
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parsePhase(cells []string) (types.PhaseStats, error) {
	var vals [3]int64
	for i, c := range cells {
		v, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			return types.PhaseStats{}, fmt.Errorf("invalid value %q", c)
		}
		vals[i] = v
	}
	return types.PhaseStats{MinMs: vals[0], MaxMs: vals[1], AvgMs: vals[2]}, nil
}
