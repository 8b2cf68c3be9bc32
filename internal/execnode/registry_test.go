package execnode

import (
	"reflect"
	"testing"
	"time"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name     string
		expected *Profile
	}{
		{"rise", RiseProfile()},
		{"mega", MegaProfile()},
		{"generic", GenericProfile()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r.Get(tt.name)
			if p == nil {
				t.Fatalf("expected %s to be registered, got nil", tt.name)
			}
			if !reflect.DeepEqual(p, tt.expected) {
				t.Errorf("Get(%s) = %+v, want %+v", tt.name, p, tt.expected)
			}
			if !p.Supports(p.DefaultStrategy) {
				t.Errorf("%s does not support its default strategy %s", tt.name, p.DefaultStrategy)
			}
		})
	}

	if got := r.Names(); !reflect.DeepEqual(got, []string{"generic", "mega", "rise"}) {
		t.Errorf("Names() = %v, want [generic mega rise]", got)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := DefaultRegistry()
	if p := r.Get("unknown-node"); p != nil {
		t.Errorf("expected nil for unknown profile, got %+v", p)
	}
}

func TestRegistryRegisterCustom(t *testing.T) {
	r := NewRegistry()

	custom := &Profile{
		Name:            "custom-node",
		DefaultStrategy: types.StrategyAsyncPoll,
		PollInterval:    250 * time.Millisecond,
	}
	r.Register(custom)
	r.Register(nil)

	if got := r.Get("custom-node"); got != custom {
		t.Errorf("Get(custom-node) = %+v, want %+v", got, custom)
	}

	// Re-registering replaces the entry.
	replacement := &Profile{Name: "custom-node", DefaultStrategy: types.StrategySyncSingleCall}
	r.Register(replacement)
	if got := r.Get("custom-node"); got != replacement {
		t.Errorf("Get(custom-node) after update = %+v, want replacement", got)
	}
}

func TestProfileSupports(t *testing.T) {
	tests := []struct {
		profile  *Profile
		strategy types.Strategy
		want     bool
	}{
		{RiseProfile(), types.StrategySyncSingleCall, true},
		{RiseProfile(), types.StrategyRealtimePush, false},
		{MegaProfile(), types.StrategyRealtimePush, true},
		{GenericProfile(), types.StrategyAsyncPoll, true},
		{GenericProfile(), types.StrategySyncSingleCall, false},
		{GenericProfile(), "bogus", false},
	}

	for _, tt := range tests {
		if got := tt.profile.Supports(tt.strategy); got != tt.want {
			t.Errorf("%s.Supports(%s) = %v, want %v", tt.profile, tt.strategy, got, tt.want)
		}
	}
}

func TestProfileStringNil(t *testing.T) {
	var p *Profile
	if got := p.String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}
