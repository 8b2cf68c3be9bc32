package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"
)

// wsServer is a minimal WebSocket JSON-RPC node. Subscribe calls get the id
// "0xsub" followed by notes notifications.
func wsServer(t *testing.T, notes []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(v any) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(v)
		}

		for {
			var req JSONRPCRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			switch req.Method {
			case "eth_blockNumber":
				write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x5"})
			case "rise_subscribe":
				write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})
				for _, n := range notes {
					write(map[string]any{
						"jsonrpc": "2.0",
						"method":  "rise_subscription",
						"params":  map[string]any{"subscription": "0xsub", "result": n},
					})
				}
			case "rise_unsubscribe":
				write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
			default:
				write(map[string]any{"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]any{"code": -32601, "message": "method not found"}})
			}
		}
	}))
}

func dialTest(t *testing.T, srv *httptest.Server) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := DialWS(ctx, WSConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger: slogt.New(t),
	})
	if err != nil {
		t.Fatalf("DialWS() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWSClient_Call(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()
	c := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Concurrent calls are multiplexed over one connection.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.GetBlockNumber(ctx)
			if err != nil {
				t.Errorf("GetBlockNumber() error: %v", err)
				return
			}
			if n != 5 {
				t.Errorf("GetBlockNumber() = %d, want 5", n)
			}
		}()
	}
	wg.Wait()
}

func TestWSClient_RPCError(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()
	c := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "eth_unknown", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("Code = %d, want -32601", rpcErr.Code)
	}
}

func TestWSClient_Subscribe(t *testing.T) {
	srv := wsServer(t, []string{"a", "b", "c"})
	defer srv.Close()
	c := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "rise_subscribe", []interface{}{"shreds"})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if sub.ID != "0xsub" {
		t.Errorf("ID = %q, want 0xsub", sub.ID)
	}

	var got []string
	for len(got) < 3 {
		select {
		case raw := <-sub.Notifications():
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				t.Fatalf("unmarshal notification: %v", err)
			}
			got = append(got, s)
		case <-ctx.Done():
			t.Fatalf("timed out after %d notifications", len(got))
		}
	}
	if strings.Join(got, "") != "abc" {
		t.Errorf("notifications = %v, want [a b c]", got)
	}

	if err := sub.Unsubscribe(ctx, "rise_unsubscribe"); err != nil {
		t.Errorf("Unsubscribe() error: %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done() not closed after Unsubscribe")
	}
}

func TestWSClient_CallAfterClose(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()
	c := dialTest(t, srv)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := c.GetBlockNumber(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("GetBlockNumber() after Close error = %v, want ErrClosed", err)
	}
}

func TestWSClient_SubscribeThenConnectionDrops(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req JSONRPCRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})
		for _, n := range []string{"a", "b"} {
			_ = conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "rise_subscription",
				"params":  map[string]any{"subscription": "0xsub", "result": n},
			})
		}
	}))
	defer srv.Close()
	c := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Whether the drop lands before or after the subscription is registered,
	// the caller gets a subscription holding both notifications.
	sub, err := c.Subscribe(ctx, "rise_subscribe", nil)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	select {
	case <-sub.Done():
	case <-ctx.Done():
		t.Fatal("Done() not closed after the connection dropped")
	}
	if sub.Err() == nil {
		t.Error("Err() = nil after the connection dropped")
	}

	var got []string
	for len(got) < 2 {
		select {
		case raw := <-sub.Notifications():
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				t.Fatalf("unmarshal notification: %v", err)
			}
			got = append(got, s)
		default:
			t.Fatalf("notifications = %v, want [a b]", got)
		}
	}
}
