package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned for calls on a closed WebSocket client.
var ErrClosed = errors.New("websocket client closed")

const (
	subscriptionBuffer = 1024
	maxOrphanedNotes   = 64
)

// WSConfig holds configuration for the WebSocket client.
type WSConfig struct {
	URL         string
	DialTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

// WSClient implements Client over a single WebSocket connection.
// Requests are multiplexed by id; a single reader goroutine routes responses
// and subscription notifications. It is safe for concurrent use.
type WSClient struct {
	ethAPI

	conn     *websocket.Conn
	logger   *slog.Logger
	observer Observer

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan JSONRPCResponse
	subs    map[string]*Subscription
	orphans map[string][]json.RawMessage
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWS connects to a WebSocket JSON-RPC endpoint.
func DialWS(ctx context.Context, cfg WSConfig) (*WSClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	if cfg.DialTimeout > 0 {
		dialer.HandshakeTimeout = cfg.DialTimeout
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	c := &WSClient{
		conn:     conn,
		logger:   logger,
		observer: cfg.Observer,
		pending:  make(map[int]chan JSONRPCResponse),
		subs:     make(map[string]*Subscription),
		orphans:  make(map[string][]json.RawMessage),
		closed:   make(chan struct{}),
	}
	c.ethAPI = ethAPI{t: c, logger: logger}

	go c.readLoop()

	logger.Debug("connected to WebSocket endpoint", slog.String("url", cfg.URL))
	return c, nil
}

// Call makes a JSON-RPC call over the connection.
func (c *WSClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observer != nil {
		c.observer(method, err == nil, time.Since(start))
	}
	return result, err
}

func (c *WSClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	ch := make(chan JSONRPCResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	req := JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, newRPCError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.closed:
		// The response may have been delivered just before the connection dropped.
		select {
		case resp := <-ch:
			if resp.Error != nil {
				return nil, newRPCError(resp.Error)
			}
			return resp.Result, nil
		default:
		}
		return nil, c.closeErr()
	}
}

// BatchCall issues the calls as individual requests over the shared connection.
func (c *WSClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	results := make([]BatchResponse, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call BatchRequest) {
			defer wg.Done()
			result, err := c.Call(ctx, call.Method, call.Params)
			results[i] = BatchResponse{Result: result, Error: err}
		}(i, call)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

// Subscription delivers notifications for one server-side subscription.
type Subscription struct {
	ID string

	client *WSClient
	ch     chan json.RawMessage
	done   chan struct{}
	once   sync.Once
}

// Notifications returns the channel of raw notification results.
func (s *Subscription) Notifications() <-chan json.RawMessage {
	return s.ch
}

// Done is closed when the subscription ends or the connection drops.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the connection error once Done is closed, or nil.
func (s *Subscription) Err() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.client.err
}

// Unsubscribe stops delivery and asks the node to drop the subscription.
// unsubscribeMethod may be empty when the dialect has no unsubscribe call.
func (s *Subscription) Unsubscribe(ctx context.Context, unsubscribeMethod string) error {
	s.client.mu.Lock()
	delete(s.client.subs, s.ID)
	s.client.mu.Unlock()
	s.end()

	if unsubscribeMethod == "" {
		return nil
	}
	_, err := s.client.Call(ctx, unsubscribeMethod, []interface{}{s.ID})
	return err
}

func (s *Subscription) end() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe opens a subscription with method (for example eth_subscribe or rise_subscribe).
// The call result must be the subscription id.
func (c *WSClient) Subscribe(ctx context.Context, method string, params []interface{}) (*Subscription, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription id: %w", err)
	}

	sub := &Subscription{
		ID:     id,
		client: c,
		ch:     make(chan json.RawMessage, subscriptionBuffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	// Notifications may arrive before the subscribe response is processed.
	for _, note := range c.orphans[id] {
		sub.ch <- note
	}
	delete(c.orphans, id)
	if c.err != nil {
		// The connection dropped after the node accepted the subscription.
		// Hand back what was received already with Done closed.
		c.mu.Unlock()
		sub.end()
		return sub, nil
	}
	c.subs[id] = sub
	c.mu.Unlock()

	return sub, nil
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

type wsMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *JSONRPCError   `json:"error"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring undecodable WebSocket message", slog.String("error", err.Error()))
			continue
		}

		switch {
		case msg.ID != nil:
			c.deliverResponse(*msg.ID, JSONRPCResponse{ID: *msg.ID, Result: msg.Result, Error: msg.Error})
		case msg.Params != nil && strings.HasSuffix(msg.Method, "_subscription"):
			c.deliverNotification(msg.Params.Subscription, msg.Params.Result)
		}
	}
}

func (c *WSClient) deliverResponse(id int, resp JSONRPCResponse) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *WSClient) deliverNotification(subID string, result json.RawMessage) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if !ok {
		if len(c.orphans[subID]) < maxOrphanedNotes {
			c.orphans[subID] = append(c.orphans[subID], result)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// A slow subscriber blocks the reader rather than losing notifications.
	select {
	case sub.ch <- result:
	case <-sub.done:
	}
}

func (c *WSClient) fail(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = ErrClosed
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = err
		if !errors.Is(err, ErrClosed) {
			c.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
		}
	}
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
	close(c.closed)
}
