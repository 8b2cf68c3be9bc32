package execnode

import (
	"sort"
	"sync"
	"time"

	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Registry holds registered profiles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Profile),
	}
}

// Register adds or updates a profile.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get retrieves a profile by name. Returns nil if not found.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(RiseProfile())
	r.Register(MegaProfile())
	r.Register(GenericProfile())
	return r
}

// RiseProfile returns the profile for RISE chain: synchronous submission
// via eth_sendRawTransactionSync and a shred subscription.
func RiseProfile() *Profile {
	return &Profile{
		Name:              "rise",
		DefaultStrategy:   types.StrategySyncSingleCall,
		SyncMethod:        rpc.MethodSendRawTransactionSync,
		PollInterval:      0,
		FeeStrategy:       txbuilder.FeeEIP1559,
		SubscribeMethod:   "rise_subscribe",
		UnsubscribeMethod: "rise_unsubscribe",
	}
}

// MegaProfile returns the profile for MegaETH: realtime_sendRawTransaction,
// which returns the receipt once the transaction is in a mini block.
func MegaProfile() *Profile {
	return &Profile{
		Name:            "mega",
		DefaultStrategy: types.StrategyRealtimePush,
		SyncMethod:      rpc.MethodSendRawTransactionSync,
		RealtimeMethod:  rpc.MethodRealtimeSendRawTransaction,
		PollInterval:    0,
		FeeStrategy:     txbuilder.FeeEIP1559,
	}
}

// GenericProfile returns the profile for any EVM node: send and poll with a paced interval.
func GenericProfile() *Profile {
	return &Profile{
		Name:            "generic",
		DefaultStrategy: types.StrategyAsyncPoll,
		PollInterval:    100 * time.Millisecond,
		FeeStrategy:     txbuilder.FeeLegacyMultiplier,
	}
}
