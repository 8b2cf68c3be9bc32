package txbuilder

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

type fakeChain struct {
	gasPrice    uint64
	gasPriceErr error
	tip         uint64
	tipErr      error
	chainID     uint64
	gas         uint64

	estimateCalls int
	chainIDCalls  int
}

var _ ChainSource = (*fakeChain)(nil)

func (f *fakeChain) GetGasPrice(context.Context) (uint64, error) {
	return f.gasPrice, f.gasPriceErr
}

func (f *fakeChain) GetMaxPriorityFee(context.Context) (uint64, error) {
	return f.tip, f.tipErr
}

func (f *fakeChain) GetChainID(context.Context) (uint64, error) {
	f.chainIDCalls++
	return f.chainID, nil
}

func (f *fakeChain) EstimateGas(context.Context, string, string, *big.Int) (uint64, error) {
	f.estimateCalls++
	return f.gas, nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), OneGwei)
}

func TestLegacyMultiplier_Quote(t *testing.T) {
	tests := []struct {
		name       string
		gasPrice   uint64
		multiplier uint64
		want       *big.Int
	}{
		{name: "default multiplier", gasPrice: 1000, want: big.NewInt(3000)},
		{name: "custom multiplier", gasPrice: 1000, multiplier: 5, want: big.NewInt(5000)},
		{name: "zero price falls back to 1 gwei", gasPrice: 0, want: gwei(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := LegacyMultiplier{Multiplier: tt.multiplier}.Quote(context.Background(), &fakeChain{gasPrice: tt.gasPrice})
			if err != nil {
				t.Fatalf("Quote() error: %v", err)
			}
			if !q.Legacy {
				t.Error("Legacy = false, want true")
			}
			if q.GasPrice.Cmp(tt.want) != 0 {
				t.Errorf("GasPrice = %s, want %s", q.GasPrice, tt.want)
			}
			if q.PriceWei().Cmp(tt.want) != 0 {
				t.Errorf("PriceWei() = %s, want %s", q.PriceWei(), tt.want)
			}
		})
	}
}

func TestEIP1559Estimated_Quote(t *testing.T) {
	tests := []struct {
		name       string
		chain      *fakeChain
		wantTip    *big.Int
		wantFeeCap *big.Int
	}{
		{
			name:       "base above tip",
			chain:      &fakeChain{gasPrice: 2_000_000_000, tip: 1_000_000},
			wantTip:    big.NewInt(1_000_000),
			wantFeeCap: gwei(6),
		},
		{
			name:       "tip unavailable falls back to 1 gwei",
			chain:      &fakeChain{gasPrice: 1_000_000_000, tipErr: errors.New("method not found")},
			wantTip:    gwei(1),
			wantFeeCap: gwei(3),
		},
		{
			name:       "base not above tip doubles tip",
			chain:      &fakeChain{gasPrice: 100, tip: 5_000_000_000},
			wantTip:    gwei(5),
			wantFeeCap: gwei(10),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := EIP1559Estimated{}.Quote(context.Background(), tt.chain)
			if err != nil {
				t.Fatalf("Quote() error: %v", err)
			}
			if q.Legacy {
				t.Error("Legacy = true, want false")
			}
			if q.TipCap.Cmp(tt.wantTip) != 0 {
				t.Errorf("TipCap = %s, want %s", q.TipCap, tt.wantTip)
			}
			if q.FeeCap.Cmp(tt.wantFeeCap) != 0 {
				t.Errorf("FeeCap = %s, want %s", q.FeeCap, tt.wantFeeCap)
			}
		})
	}
}

func TestEIP1559Estimated_GasPriceError(t *testing.T) {
	_, err := EIP1559Estimated{}.Quote(context.Background(), &fakeChain{gasPriceErr: errors.New("boom")})
	if err == nil {
		t.Error("Quote() expected error when eth_gasPrice fails")
	}
}

func TestFixedFee_Quote(t *testing.T) {
	tests := []struct {
		name    string
		fee     FixedFee
		legacy  bool
		wantErr bool
	}{
		{name: "gas price", fee: FixedFee{GasPrice: gwei(2)}, legacy: true},
		{name: "tip and cap", fee: FixedFee{TipCap: gwei(1), FeeCap: gwei(3)}},
		{name: "cap below tip", fee: FixedFee{TipCap: gwei(3), FeeCap: gwei(1)}, wantErr: true},
		{name: "nothing set", fee: FixedFee{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := tt.fee.Quote(context.Background(), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Quote() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && q.Legacy != tt.legacy {
				t.Errorf("Legacy = %v, want %v", q.Legacy, tt.legacy)
			}
		})
	}
}

func TestParseFeeStrategy(t *testing.T) {
	for _, name := range []string{FeeFixed, FeeLegacyMultiplier, FeeEIP1559} {
		s, err := ParseFeeStrategy(name, 3, FixedFee{})
		if err != nil {
			t.Errorf("ParseFeeStrategy(%q) error: %v", name, err)
			continue
		}
		if s.Name() != name {
			t.Errorf("Name() = %q, want %q", s.Name(), name)
		}
	}

	if _, err := ParseFeeStrategy("auction", 3, FixedFee{}); err == nil {
		t.Error("ParseFeeStrategy(auction) expected error")
	}
}
