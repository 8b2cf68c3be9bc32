// Package metrics provides latency measurement, batch statistics and Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Summarize reduces records into a BatchSummary.
//
// Each duration is truncated to whole milliseconds before aggregation and the
// average is the truncating integer mean (floor(sum/n)), so [10ms, 20ms, 25ms]
// averages to 18. Stats are always computed from the full record slice.
// An empty slice yields all-zero stats.
func Summarize(records []types.LatencyRecord, failures []types.TxFailure) *types.BatchSummary {
	if records == nil {
		records = []types.LatencyRecord{}
	}

	send := make([]time.Duration, len(records))
	confirm := make([]time.Duration, len(records))
	total := make([]time.Duration, len(records))
	for i, r := range records {
		send[i] = r.Send
		confirm[i] = r.Confirm
		total[i] = r.Total
	}

	return &types.BatchSummary{
		Records:  records,
		Failures: failures,
		Send:     SummarizeDurations(send),
		Confirm:  SummarizeDurations(confirm),
		Total:    SummarizeDurations(total),
	}
}

// SummarizeDurations computes truncated millisecond min/max/avg over ds.
func SummarizeDurations(ds []time.Duration) types.PhaseStats {
	if len(ds) == 0 {
		return types.PhaseStats{}
	}

	first := ds[0].Milliseconds()
	stats := types.PhaseStats{MinMs: first, MaxMs: first}
	var sum int64
	for _, d := range ds {
		ms := d.Milliseconds()
		sum += ms
		if ms < stats.MinMs {
			stats.MinMs = ms
		}
		if ms > stats.MaxMs {
			stats.MaxMs = ms
		}
	}
	stats.AvgMs = sum / int64(len(ds))
	return stats
}
