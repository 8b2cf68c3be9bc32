// Package txbuilder builds and signs the value transfers a latency run submits.
package txbuilder

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferGasLimit is the intrinsic gas of a plain value transfer.
const TransferGasLimit = 21000

// Descriptor is everything about a transaction except its nonce.
// It is fixed for the duration of a run.
type Descriptor struct {
	ChainID  *big.Int
	To       common.Address
	Value    *big.Int
	GasLimit uint64
	Fee      FeeQuote
}

// SignedTx is a signed transaction ready for submission.
type SignedTx struct {
	Nonce uint64
	Hash  common.Hash
	Raw   []byte
}

// ChainSource is the part of the RPC client needed to resolve a Descriptor.
type ChainSource interface {
	FeeSource
	GetChainID(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, from, to string, value *big.Int) (uint64, error)
}

// Options are the run-level inputs to NewDescriptor. Zero values are resolved from the node
// (ChainID, GasLimit) or default to a self-transfer of zero value (To, Value).
type Options struct {
	ChainID  uint64
	To       *common.Address
	Value    *big.Int
	GasLimit uint64
	Fee      FeeStrategy
}

// NewDescriptor resolves opts against the node once. Fees are quoted here and reused
// for every transaction of the run.
func NewDescriptor(ctx context.Context, src ChainSource, from common.Address, opts Options) (Descriptor, error) {
	d := Descriptor{
		To:       from,
		Value:    new(big.Int),
		GasLimit: opts.GasLimit,
	}
	if opts.To != nil {
		d.To = *opts.To
	}
	if opts.Value != nil {
		d.Value = new(big.Int).Set(opts.Value)
	}

	chainID := opts.ChainID
	if chainID == 0 {
		id, err := src.GetChainID(ctx)
		if err != nil {
			return Descriptor{}, fmt.Errorf("failed to get chain id: %w", err)
		}
		chainID = id
	}
	d.ChainID = new(big.Int).SetUint64(chainID)

	if d.GasLimit == 0 {
		gas, err := src.EstimateGas(ctx, from.Hex(), d.To.Hex(), d.Value)
		if err != nil {
			return Descriptor{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
		d.GasLimit = gas
	}

	fee := opts.Fee
	if fee == nil {
		fee = LegacyMultiplier{}
	}
	quote, err := fee.Quote(ctx, src)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to quote fees (%s): %w", fee.Name(), err)
	}
	d.Fee = quote

	return d, nil
}

// Factory signs Descriptor instances with a fixed key.
// It is safe for concurrent use.
type Factory struct {
	key    *ecdsa.PrivateKey
	from   common.Address
	desc   Descriptor
	signer types.Signer
}

// NewFactory creates a Factory for desc signed by key.
func NewFactory(key *ecdsa.PrivateKey, desc Descriptor) (*Factory, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if desc.ChainID == nil || desc.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	if desc.GasLimit == 0 {
		return nil, fmt.Errorf("gas limit must be positive")
	}
	return &Factory{
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		desc:   desc,
		signer: types.LatestSignerForChainID(desc.ChainID),
	}, nil
}

// From returns the signing address.
func (f *Factory) From() common.Address { return f.from }

// Descriptor returns the descriptor the factory signs.
func (f *Factory) Descriptor() Descriptor { return f.desc }

// Build signs the described transfer with nonce.
func (f *Factory) Build(nonce uint64) (*SignedTx, error) {
	d := f.desc
	tx := NewTransferTx(d.ChainID, nonce, d.To, d.Value, d.GasLimit, d.Fee.TipCap, d.Fee.PriceWei(), nil, d.Fee.Legacy)

	signed, err := types.SignTx(tx, f.signer, f.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tx: %w", err)
	}
	return &SignedTx{Nonce: nonce, Hash: signed.Hash(), Raw: raw}, nil
}
