// Package shreds watches a shred subscription and measures the interval between shreds.
package shreds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/rpclatency/internal/metrics"
	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Subscriber opens a server-side subscription. *rpc.WSClient implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, method string, params []interface{}) (*rpc.Subscription, error)
}

var _ Subscriber = (*rpc.WSClient)(nil)

// Event is one shred notification.
type Event struct {
	BlockNumber uint64          `json:"blockNumber"`
	ShredIndex  uint64          `json:"shredIdx"`
	ArrivedAt   time.Time       `json:"arrivedAt"`
	Interval    time.Duration   `json:"intervalNs"` // since the previous shred, or since subscribing for the first
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Result summarizes a monitoring session.
type Result struct {
	Events    []Event          `json:"events"`
	Skipped   int              `json:"skipped"` // notifications without block number and shred index
	Intervals types.PhaseStats `json:"intervals"`
	Elapsed   time.Duration    `json:"elapsedNs"`
}

// Config configures a Monitor.
type Config struct {
	Subscriber        Subscriber
	SubscribeMethod   string
	UnsubscribeMethod string

	// Count stops after that many shreds; 0 means no limit.
	Count int
	// Duration stops after that long; 0 means no limit.
	Duration time.Duration

	// OnEvent, when set, is called for every shred as it arrives.
	OnEvent func(Event)
	Logger  *slog.Logger
}

// Monitor reads a shred subscription until a stop condition is met.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Subscriber == nil {
		return nil, errors.New("shreds: subscriber is required")
	}
	if cfg.SubscribeMethod == "" {
		return nil, errors.New("shreds: subscribe method is required")
	}
	if cfg.Count < 0 || cfg.Duration < 0 {
		return nil, errors.New("shreds: count and duration must not be negative")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger, now: time.Now}, nil
}

// shredPayload is the notification result of rise_subscribe.
type shredPayload struct {
	BlockNumber *uint64 `json:"block_number"`
	ShredIdx    *uint64 `json:"shred_idx"`
}

// Run subscribes and collects shreds. It returns the collected events when Count
// or Duration is reached, when ctx ends, or when the subscription closes.
// A closed subscription is reported together with the partial result.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	if m.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Duration)
		defer cancel()
	}

	sub, err := m.cfg.Subscriber.Subscribe(ctx, m.cfg.SubscribeMethod, []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe with %s: %w", m.cfg.SubscribeMethod, err)
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sub.Unsubscribe(unsubCtx, m.cfg.UnsubscribeMethod); err != nil {
			m.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
		}
	}()

	start := m.now()
	m.logger.Info("subscribed to shreds",
		slog.String("method", m.cfg.SubscribeMethod),
		slog.String("subscription", sub.ID),
	)

	res := &Result{Events: []Event{}}
	last := start
	var runErr error

loop:
	for m.cfg.Count == 0 || len(res.Events) < m.cfg.Count {
		select {
		case <-ctx.Done():
			break loop
		case <-sub.Done():
			// Drain anything delivered before the close.
			for {
				select {
				case raw := <-sub.Notifications():
					m.handle(res, raw, &last)
					continue
				default:
				}
				break
			}
			if err := sub.Err(); err != nil {
				runErr = fmt.Errorf("subscription closed: %w", err)
			}
			break loop
		case raw := <-sub.Notifications():
			m.handle(res, raw, &last)
		}
	}

	if m.cfg.Count > 0 && len(res.Events) > m.cfg.Count {
		res.Events = res.Events[:m.cfg.Count]
	}
	res.Elapsed = m.now().Sub(start)

	intervals := make([]time.Duration, len(res.Events))
	for i, e := range res.Events {
		intervals[i] = e.Interval
	}
	res.Intervals = metrics.SummarizeDurations(intervals)

	m.logger.Info("shred monitoring finished",
		slog.Int("shreds", len(res.Events)),
		slog.Int("skipped", res.Skipped),
		slog.Int64("minIntervalMs", res.Intervals.MinMs),
		slog.Int64("maxIntervalMs", res.Intervals.MaxMs),
		slog.Int64("avgIntervalMs", res.Intervals.AvgMs),
	)
	return res, runErr
}

func (m *Monitor) handle(res *Result, raw json.RawMessage, last *time.Time) {
	now := m.now()

	var p shredPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.BlockNumber == nil || p.ShredIdx == nil {
		res.Skipped++
		m.logger.Debug("ignoring notification without shred fields", slog.Int("bytes", len(raw)))
		return
	}

	e := Event{
		BlockNumber: *p.BlockNumber,
		ShredIndex:  *p.ShredIdx,
		ArrivedAt:   now,
		Interval:    now.Sub(*last),
		Raw:         raw,
	}
	*last = now
	res.Events = append(res.Events, e)

	m.logger.Debug("shred",
		slog.Uint64("blockNumber", e.BlockNumber),
		slog.Uint64("shredIdx", e.ShredIndex),
		slog.Duration("interval", e.Interval),
	)
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(e)
	}
}
