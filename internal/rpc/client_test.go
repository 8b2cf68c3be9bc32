package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	// Test Error() method
	errStr := err.Error()
	if errStr != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32000: nonce too low")
	}

	// Test isRPCError
	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "502 Bad Gateway",
			err:        HTTPStatusError{StatusCode: 502},
			wantString: "HTTP 502: Bad Gateway",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "504 Gateway Timeout",
			err:        HTTPStatusError{StatusCode: 504},
			wantString: "HTTP 504: Gateway Timeout",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestIsRetryableHTTPError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantBool bool
	}{
		{
			name:     "retryable HTTP error",
			err:      &HTTPStatusError{StatusCode: 429},
			wantBool: true,
		},
		{
			name:     "non-retryable HTTP error",
			err:      &HTTPStatusError{StatusCode: 400},
			wantBool: false,
		},
		{
			name:     "RPC error",
			err:      &RPCError{Code: -32000, Message: "test"},
			wantBool: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableHTTPError(tt.err); got != tt.wantBool {
				t.Errorf("isRetryableHTTPError() = %v, want %v", got, tt.wantBool)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

func TestDefaultClientConfig(t *testing.T) {
	url := "http://localhost:8545"
	cfg := DefaultClientConfig(url)

	if cfg.URL != url {
		t.Errorf("URL = %q, want %q", cfg.URL, url)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 30*time.Second)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 100*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 100ms", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 500*time.Millisecond {
		t.Errorf("MaxBackoff = %v, want 500ms", cfg.MaxBackoff)
	}
}

// rpcHandler answers single JSON-RPC requests with the result returned by fn.
// A non-nil *JSONRPCError from fn is sent as the error member.
func rpcHandler(t *testing.T, fn func(req JSONRPCRequest) (any, *JSONRPCError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var batch []JSONRPCRequest
		if err := json.Unmarshal(body, &batch); err == nil {
			resps := make([]map[string]any, 0, len(batch))
			// Answer in reverse order to exercise reordering by id.
			for i := len(batch) - 1; i >= 0; i-- {
				resps = append(resps, respond(batch[i], fn))
			}
			json.NewEncoder(w).Encode(resps)
			return
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("server got undecodable request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(respond(req, fn))
	}
}

func respond(req JSONRPCRequest, fn func(req JSONRPCRequest) (any, *JSONRPCError)) map[string]any {
	result, rpcErr := fn(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	return resp
}

func newTestClient(t *testing.T, url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.MaxRetries = 0
	cfg.Logger = slogt.New(t)
	return NewHTTPClient(cfg)
}

func TestHTTPClient_SendRawTransaction(t *testing.T) {
	const hash = "0xabc0000000000000000000000000000000000000000000000000000000000001"
	srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		if req.Method != MethodSendRawTransaction {
			t.Errorf("method = %q, want %q", req.Method, MethodSendRawTransaction)
		}
		if got := req.Params[0]; got != "0x0102" {
			t.Errorf("param = %v, want 0x0102", got)
		}
		return hash, nil
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).SendRawTransaction(context.Background(), []byte{1, 2})
	if err != nil {
		t.Fatalf("SendRawTransaction() error: %v", err)
	}
	if got != hash {
		t.Errorf("SendRawTransaction() = %q, want %q", got, hash)
	}
}

func TestHTTPClient_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		calls.Add(1)
		return nil, &JSONRPCError{Code: -32000, Message: "nonce too low"}
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.Logger = slogt.New(t)
	c := NewHTTPClient(cfg)

	_, err := c.SendRawTransaction(context.Background(), []byte{1})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("Code = %d, want -32000", rpcErr.Code)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestHTTPClient_RetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10"}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Logger = slogt.New(t)

	var mu sync.Mutex
	var observed []bool
	cfg.Observer = func(method string, success bool, latency time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, success)
	}

	got, err := NewHTTPClient(cfg).GetBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("GetBlockNumber() error: %v", err)
	}
	if got != 16 {
		t.Errorf("GetBlockNumber() = %d, want 16", got)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server calls = %d, want 3", n)
	}
	if len(observed) != 1 || !observed[0] {
		t.Errorf("observer saw %v, want one successful call", observed)
	}
}

func TestHTTPClient_GetTransactionReceipt(t *testing.T) {
	tests := []struct {
		name         string
		result       any
		wantNil      bool
		wantComplete bool
		wantSuccess  bool
		wantBlock    uint64
	}{
		{
			name:    "not found",
			result:  nil,
			wantNil: true,
		},
		{
			name: "success",
			result: map[string]string{
				"transactionHash": "0x01",
				"status":          "0x1",
				"blockNumber":     "0x2a",
				"gasUsed":         "0x5208",
			},
			wantComplete: true,
			wantSuccess:  true,
			wantBlock:    42,
		},
		{
			name: "reverted",
			result: map[string]string{
				"status":      "0x0",
				"blockNumber": "0x2b",
			},
			wantComplete: true,
			wantBlock:    43,
		},
		{
			name: "missing status",
			result: map[string]string{
				"blockNumber": "0x2b",
			},
			wantComplete: false,
			wantBlock:    43,
		},
		{
			name:         "not an object",
			result:       "0xdeadbeef",
			wantComplete: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
				return tt.result, nil
			}))
			defer srv.Close()

			r, err := newTestClient(t, srv.URL).GetTransactionReceipt(context.Background(), "0x01")
			if err != nil {
				t.Fatalf("GetTransactionReceipt() error: %v", err)
			}
			if tt.wantNil {
				if r != nil {
					t.Errorf("GetTransactionReceipt() = %+v, want nil", r)
				}
				return
			}
			if r == nil {
				t.Fatal("GetTransactionReceipt() = nil, want receipt")
			}
			if got := r.Complete(); got != tt.wantComplete {
				t.Errorf("Complete() = %v, want %v", got, tt.wantComplete)
			}
			if got := r.Succeeded(); got != tt.wantSuccess {
				t.Errorf("Succeeded() = %v, want %v", got, tt.wantSuccess)
			}
			if r.BlockNumber != tt.wantBlock {
				t.Errorf("BlockNumber = %d, want %d", r.BlockNumber, tt.wantBlock)
			}
		})
	}
}

func TestHTTPClient_SendRawTransactionSync(t *testing.T) {
	for _, method := range []string{MethodSendRawTransactionSync, MethodRealtimeSendRawTransaction} {
		t.Run(method, func(t *testing.T) {
			srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
				if req.Method != method {
					t.Errorf("method = %q, want %q", req.Method, method)
				}
				return map[string]string{"transactionHash": "0xfeed", "status": "0x1", "blockNumber": "0x7"}, nil
			}))
			defer srv.Close()

			r, err := newTestClient(t, srv.URL).SendRawTransactionSync(context.Background(), method, []byte{0xaa})
			if err != nil {
				t.Fatalf("SendRawTransactionSync() error: %v", err)
			}
			if !r.Complete() || !r.Succeeded() || r.BlockNumber != 7 || r.TxHash != "0xfeed" {
				t.Errorf("receipt = %+v, want successful receipt in block 7", r)
			}
		})
	}
}

func TestHTTPClient_GetTransactionReceiptsBatch(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		switch req.Params[0] {
		case "0x01":
			return map[string]string{"status": "0x1", "blockNumber": "0x1"}, nil
		case "0x02":
			return nil, nil
		case "0x03":
			return nil, &JSONRPCError{Code: -32000, Message: "unavailable"}
		default:
			return map[string]string{"status": "0x0", "blockNumber": "0x4"}, nil
		}
	}))
	defer srv.Close()

	receipts, err := newTestClient(t, srv.URL).GetTransactionReceiptsBatch(context.Background(),
		[]string{"0x01", "0x02", "0x03", "0x04"})
	if err != nil {
		t.Fatalf("GetTransactionReceiptsBatch() error: %v", err)
	}
	if len(receipts) != 4 {
		t.Fatalf("len = %d, want 4", len(receipts))
	}
	if receipts[0] == nil || receipts[0].BlockNumber != 1 {
		t.Errorf("receipts[0] = %+v, want block 1", receipts[0])
	}
	if receipts[1] != nil {
		t.Errorf("receipts[1] = %+v, want nil (pending)", receipts[1])
	}
	if receipts[2] != nil {
		t.Errorf("receipts[2] = %+v, want nil (per-call error)", receipts[2])
	}
	if receipts[3] == nil || receipts[3].Succeeded() || receipts[3].BlockNumber != 4 {
		t.Errorf("receipts[3] = %+v, want failed receipt in block 4", receipts[3])
	}
}

func TestHTTPClient_EstimateGas(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		call, ok := req.Params[0].(map[string]any)
		if !ok {
			t.Errorf("param = %T, want object", req.Params[0])
			return nil, &JSONRPCError{Code: -32602, Message: "invalid params"}
		}
		if call["value"] != "0x0" {
			t.Errorf("value = %v, want 0x0", call["value"])
		}
		return "0x5208", nil
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).EstimateGas(context.Background(), "0x1", "0x1", big.NewInt(0))
	if err != nil {
		t.Fatalf("EstimateGas() error: %v", err)
	}
	if got != 21000 {
		t.Errorf("EstimateGas() = %d, want 21000", got)
	}
}

func TestHTTPClient_BadQuantity(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		return "not-hex", nil
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).GetChainID(context.Background()); err == nil {
		t.Error("GetChainID() expected error for undecodable quantity")
	}
}
