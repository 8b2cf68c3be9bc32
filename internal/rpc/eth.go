package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Method names of the submission dialects.
const (
	MethodSendRawTransaction         = "eth_sendRawTransaction"
	MethodSendRawTransactionSync     = "eth_sendRawTransactionSync"
	MethodRealtimeSendRawTransaction = "realtime_sendRawTransaction"
	MethodGetTransactionReceipt      = "eth_getTransactionReceipt"
)

// TransactionReceipt represents an Ethereum transaction receipt.
// HasStatus and HasBlockNumber are false when the node returned a receipt
// whose fields could not be decoded.
type TransactionReceipt struct {
	TxHash            string `json:"transactionHash"`
	Status            uint64 `json:"status"` // 1 = success, 0 = failure
	HasStatus         bool   `json:"-"`
	BlockNumber       uint64 `json:"blockNumber"`
	HasBlockNumber    bool   `json:"-"`
	GasUsed           uint64 `json:"gasUsed"`
	EffectiveGasPrice uint64 `json:"effectiveGasPrice"`
}

// Complete reports whether the receipt carries a decodable status and block number.
func (r *TransactionReceipt) Complete() bool {
	return r != nil && r.HasStatus && r.HasBlockNumber
}

// Succeeded reports whether the transaction executed successfully.
func (r *TransactionReceipt) Succeeded() bool {
	return r.HasStatus && r.Status == 1
}

// transport is the part of a client that moves JSON-RPC messages.
type transport interface {
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)
}

// ethAPI implements the typed eth_* methods on top of a transport.
// It is embedded by HTTPClient and WSClient.
type ethAPI struct {
	t      transport
	logger *slog.Logger
}

// SendRawTransaction submits a signed transaction and returns the hash reported by the node.
func (e ethAPI) SendRawTransaction(ctx context.Context, txRLP []byte) (string, error) {
	result, err := e.t.Call(ctx, MethodSendRawTransaction, []interface{}{hexutil.Encode(txRLP)})
	if err != nil {
		return "", err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// SendRawTransactionSync submits a signed transaction through a method that blocks
// until the transaction is included, and returns the receipt from the response.
// A response that is not a decodable receipt yields an incomplete receipt, not an error.
func (e ethAPI) SendRawTransactionSync(ctx context.Context, method string, txRLP []byte) (*TransactionReceipt, error) {
	result, err := e.t.Call(ctx, method, []interface{}{hexutil.Encode(txRLP)})
	if err != nil {
		return nil, err
	}
	return e.parseReceipt(result), nil
}

// GetTransactionReceipt returns the receipt for a transaction, or nil if the node has none yet.
func (e ethAPI) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := e.t.Call(ctx, MethodGetTransactionReceipt, []interface{}{txHash})
	if err != nil {
		return nil, err
	}

	if isNull(result) {
		return nil, nil // Not found yet
	}
	return e.parseReceipt(result), nil
}

// GetTransactionReceiptsBatch fetches multiple receipts in a single request.
// The result has one entry per hash; nil entries are receipts that are not
// available yet or whose individual call failed.
func (e ethAPI) GetTransactionReceiptsBatch(ctx context.Context, txHashes []string) ([]*TransactionReceipt, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	calls := make([]BatchRequest, len(txHashes))
	for i, hash := range txHashes {
		calls[i] = BatchRequest{
			Method: MethodGetTransactionReceipt,
			Params: []interface{}{hash},
		}
	}

	responses, err := e.t.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	receipts := make([]*TransactionReceipt, len(txHashes))
	for i, resp := range responses {
		if i >= len(receipts) {
			break
		}
		if resp.Error != nil {
			e.logger.Debug("batch receipt fetch error",
				slog.String("txHash", txHashes[i]),
				slog.String("error", resp.Error.Error()),
			)
			continue
		}
		if isNull(resp.Result) {
			continue
		}
		receipts[i] = e.parseReceipt(resp.Result)
	}

	return receipts, nil
}

// GetBlockNumber returns the latest block number.
func (e ethAPI) GetBlockNumber(ctx context.Context) (uint64, error) {
	return e.quantity(ctx, "eth_blockNumber", nil, "block number")
}

// GetNonce fetches the nonce for an address including mempool transactions.
func (e ethAPI) GetNonce(ctx context.Context, address string) (uint64, error) {
	return e.quantity(ctx, "eth_getTransactionCount", []interface{}{address, "pending"}, "nonce")
}

// GetChainID returns the chain id reported by the node.
func (e ethAPI) GetChainID(ctx context.Context) (uint64, error) {
	return e.quantity(ctx, "eth_chainId", nil, "chain id")
}

// GetGasPrice returns the current gas price from the node.
func (e ethAPI) GetGasPrice(ctx context.Context) (uint64, error) {
	return e.quantity(ctx, "eth_gasPrice", nil, "gas price")
}

// GetMaxPriorityFee returns the node's suggested priority fee per gas.
func (e ethAPI) GetMaxPriorityFee(ctx context.Context) (uint64, error) {
	return e.quantity(ctx, "eth_maxPriorityFeePerGas", nil, "priority fee")
}

// EstimateGas estimates the gas needed to send value from one address to another.
func (e ethAPI) EstimateGas(ctx context.Context, from, to string, value *big.Int) (uint64, error) {
	if value == nil {
		value = new(big.Int)
	}
	call := map[string]string{
		"from":  from,
		"to":    to,
		"value": hexutil.EncodeBig(value),
	}
	return e.quantity(ctx, "eth_estimateGas", []interface{}{call}, "gas estimate")
}

func (e ethAPI) quantity(ctx context.Context, method string, params []interface{}, what string) (uint64, error) {
	result, err := e.t.Call(ctx, method, params)
	if err != nil {
		return 0, err
	}

	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s %q: %w", what, hex, err)
	}
	return v, nil
}

func (e ethAPI) parseReceipt(data json.RawMessage) *TransactionReceipt {
	var raw struct {
		TransactionHash   string `json:"transactionHash"`
		Status            string `json:"status"`
		BlockNumber       string `json:"blockNumber"`
		GasUsed           string `json:"gasUsed"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		e.logger.Debug("failed to parse receipt", slog.String("error", err.Error()))
		return &TransactionReceipt{}
	}

	receipt := &TransactionReceipt{TxHash: raw.TransactionHash}
	if v, err := hexutil.DecodeUint64(raw.Status); err == nil {
		receipt.Status = v
		receipt.HasStatus = true
	}
	if v, err := hexutil.DecodeUint64(raw.BlockNumber); err == nil {
		receipt.BlockNumber = v
		receipt.HasBlockNumber = true
	}
	receipt.GasUsed, _ = hexutil.DecodeUint64(raw.GasUsed)
	receipt.EffectiveGasPrice, _ = hexutil.DecodeUint64(raw.EffectiveGasPrice)
	return receipt
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
