package txbuilder

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// Fee strategy names accepted by ParseFeeStrategy.
const (
	FeeFixed            = "fixed"
	FeeLegacyMultiplier = "legacy-multiplier"
	FeeEIP1559          = "eip1559"
)

// DefaultGasPriceMultiplier is applied to eth_gasPrice by the estimating strategies.
const DefaultGasPriceMultiplier = 3

// OneGwei is the fallback price when the node reports zero.
var OneGwei = big.NewInt(params.GWei)

// FeeSource is the part of the RPC client a fee strategy queries.
type FeeSource interface {
	GetGasPrice(ctx context.Context) (uint64, error)
	GetMaxPriorityFee(ctx context.Context) (uint64, error)
}

// FeeQuote holds the fee fields for every transaction of a run.
// Legacy quotes use GasPrice; dynamic fee quotes use TipCap and FeeCap.
type FeeQuote struct {
	Legacy   bool
	GasPrice *big.Int
	TipCap   *big.Int
	FeeCap   *big.Int
}

// PriceWei returns the per-gas price a report shows for the quote.
func (q FeeQuote) PriceWei() *big.Int {
	if q.Legacy {
		return q.GasPrice
	}
	return q.FeeCap
}

// FeeStrategy decides the fee fields of a run.
type FeeStrategy interface {
	Name() string
	Quote(ctx context.Context, src FeeSource) (FeeQuote, error)
}

// FixedFee uses configured values and never queries the node.
// With TipCap and FeeCap set it produces a dynamic fee quote, otherwise a legacy one.
type FixedFee struct {
	GasPrice *big.Int
	TipCap   *big.Int
	FeeCap   *big.Int
}

func (f FixedFee) Name() string { return FeeFixed }

func (f FixedFee) Quote(context.Context, FeeSource) (FeeQuote, error) {
	if f.TipCap != nil && f.FeeCap != nil {
		if f.FeeCap.Cmp(f.TipCap) < 0 {
			return FeeQuote{}, fmt.Errorf("max fee %s below priority fee %s", f.FeeCap, f.TipCap)
		}
		return FeeQuote{TipCap: new(big.Int).Set(f.TipCap), FeeCap: new(big.Int).Set(f.FeeCap)}, nil
	}
	if f.GasPrice == nil || f.GasPrice.Sign() <= 0 {
		return FeeQuote{}, fmt.Errorf("fixed fee strategy needs a gas price or both tip and max fee")
	}
	return FeeQuote{Legacy: true, GasPrice: new(big.Int).Set(f.GasPrice)}, nil
}

// LegacyMultiplier prices legacy transactions at eth_gasPrice times Multiplier.
type LegacyMultiplier struct {
	Multiplier uint64
}

func (l LegacyMultiplier) Name() string { return FeeLegacyMultiplier }

func (l LegacyMultiplier) Quote(ctx context.Context, src FeeSource) (FeeQuote, error) {
	price, err := multipliedGasPrice(ctx, src, l.Multiplier)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{Legacy: true, GasPrice: price}, nil
}

// EIP1559Estimated builds dynamic fee quotes from the node's suggestions.
// The max fee is the multiplied gas price, or twice the tip when that is not above the tip.
type EIP1559Estimated struct {
	Multiplier uint64
}

func (e EIP1559Estimated) Name() string { return FeeEIP1559 }

func (e EIP1559Estimated) Quote(ctx context.Context, src FeeSource) (FeeQuote, error) {
	tip := new(big.Int).Set(OneGwei)
	if v, err := src.GetMaxPriorityFee(ctx); err == nil && v > 0 {
		tip.SetUint64(v)
	}

	base, err := multipliedGasPrice(ctx, src, e.Multiplier)
	if err != nil {
		return FeeQuote{}, err
	}

	feeCap := base
	if base.Cmp(tip) <= 0 {
		feeCap = new(big.Int).Mul(tip, big.NewInt(2))
	}
	return FeeQuote{TipCap: tip, FeeCap: feeCap}, nil
}

func multipliedGasPrice(ctx context.Context, src FeeSource, multiplier uint64) (*big.Int, error) {
	if multiplier == 0 {
		multiplier = DefaultGasPriceMultiplier
	}
	gp, err := src.GetGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if gp == 0 {
		return new(big.Int).Set(OneGwei), nil
	}
	price := new(big.Int).SetUint64(gp)
	return price.Mul(price, new(big.Int).SetUint64(multiplier)), nil
}

// ParseFeeStrategy returns the strategy registered under name.
// fixed is only used by the fixed strategy.
func ParseFeeStrategy(name string, multiplier uint64, fixed FixedFee) (FeeStrategy, error) {
	switch name {
	case FeeFixed:
		return fixed, nil
	case FeeLegacyMultiplier:
		return LegacyMultiplier{Multiplier: multiplier}, nil
	case FeeEIP1559:
		return EIP1559Estimated{Multiplier: multiplier}, nil
	default:
		return nil, fmt.Errorf("unknown fee strategy %q", name)
	}
}
