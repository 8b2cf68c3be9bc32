// Package execnode describes the execution-layer dialects the benchmark can target.
// A profile supplies defaults for a chain so that callers need no per-chain conditionals.
package execnode

import (
	"time"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Profile defines what an execution layer supports and how to measure it by default.
type Profile struct {
	// Name is the canonical identifier (e.g. "rise", "mega").
	Name string

	// DefaultStrategy is used when the run does not choose one.
	DefaultStrategy types.Strategy

	// SyncMethod and RealtimeMethod are the submission methods for the
	// single-call strategies. Empty means the node does not offer the dialect.
	SyncMethod     string
	RealtimeMethod string

	// PollInterval is the default receipt poll delay. Zero busy-polls.
	PollInterval time.Duration

	// FeeStrategy names the default txbuilder fee strategy.
	FeeStrategy string

	// SubscribeMethod and UnsubscribeMethod open and close the shred stream.
	// Empty means the node has no shred subscription.
	SubscribeMethod   string
	UnsubscribeMethod string
}

// String returns the canonical name of the profile.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}

// Supports reports whether the profile offers strategy s.
func (p *Profile) Supports(s types.Strategy) bool {
	switch s {
	case types.StrategyAsyncPoll:
		return true
	case types.StrategySyncSingleCall:
		return p.SyncMethod != ""
	case types.StrategyRealtimePush:
		return p.RealtimeMethod != ""
	}
	return false
}
