// Package rpc carries league messages between agents as JSON-RPC 2.0 calls
// over HTTP POST. The client side layers retries with exponential backoff
// and a per-endpoint circuit breaker; the server side decodes, authenticates
// and dispatches by message type.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/circuit"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "TIMEOUT"
	KindTransport   ErrorKind = "TRANSPORT"
	KindRPC         ErrorKind = "RPC_ERROR"
	KindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
)

// CallError is the typed failure returned by Client.Call.
type CallError struct {
	Kind     ErrorKind
	Endpoint string
	Method   string
	Code     int // JSON-RPC error code, set for KindRPC
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s calling %s at %s: %v", e.Kind, e.Method, e.Endpoint, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf extracts the kind from an error chain, or "" if it is not a CallError.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// request and response are the JSON-RPC 2.0 frames.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int64           `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ClientConfig tunes the retry and timeout behaviour.
type ClientConfig struct {
	Timeout     time.Duration // per-attempt HTTP timeout
	MaxRetries  int           // total attempts
	BackoffBase time.Duration // delay before attempt n is BackoffBase * 2^(n-1)
	Breaker     circuit.Config
	Metrics     *metrics.Metrics // nil disables instrumentation
}

func (c *ClientConfig) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
}

// Client issues JSON-RPC calls with retries and per-endpoint breakers.
type Client struct {
	http     *http.Client
	breakers *circuit.Manager
	cfg      ClientConfig
	logger   *slog.Logger
	nextID   func() int64

	// sleep is swapped out in tests
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a client. logger may not be nil.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if cfg.Metrics != nil {
		// layer the breaker gauge on top of whatever hook the caller set
		next := cfg.Breaker.OnStateChange
		met := cfg.Metrics
		cfg.Breaker.OnStateChange = func(name string, from, to circuit.State) {
			met.BreakerState.WithLabelValues(name).Set(breakerGaugeValue(to))
			if next != nil {
				next(name, from, to)
			}
		}
	}
	var id atomic.Int64
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: circuit.NewManager(cfg.Breaker),
		cfg:      cfg,
		logger:   logger,
		nextID:   func() int64 { return id.Add(1) },
		sleep:    sleepCtx,
	}
}

func breakerGaugeValue(s circuit.State) float64 {
	switch s {
	case circuit.StateOpen:
		return 1
	case circuit.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call sends msg as the params of a JSON-RPC call and returns the raw
// result. Timeouts and transport failures are retried with exponential
// backoff; JSON-RPC level errors are not, since the peer received and
// rejected the message. An open breaker fails fast.
func (c *Client) Call(ctx context.Context, endpoint, method string, msg protocol.Message) (json.RawMessage, error) {
	params, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID()})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", method, err)
	}

	br := c.breakers.Get(endpoint)
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RPCRetries.WithLabelValues(endpoint).Inc()
			}
			delay := c.cfg.BackoffBase << (attempt - 1)
			c.logger.Warn("RPC_RETRY",
				slog.String("endpoint", endpoint),
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &CallError{Kind: KindTimeout, Endpoint: endpoint, Method: method, Err: err}
			}
		}

		gen, err := br.Begin()
		if err != nil {
			return nil, &CallError{Kind: KindCircuitOpen, Endpoint: endpoint, Method: method, Err: err}
		}

		started := time.Now()
		result, callErr := c.post(ctx, endpoint, method, body)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
		}
		br.End(gen, callErr == nil || callErr.Kind == KindRPC)
		if callErr == nil {
			return result, nil
		}
		if callErr.Kind == KindRPC {
			return nil, callErr
		}
		lastErr = callErr
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, endpoint, method string, body []byte) (json.RawMessage, *CallError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Endpoint: endpoint, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = KindTimeout
		}
		return nil, &CallError{Kind: kind, Endpoint: endpoint, Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &CallError{Kind: KindTransport, Endpoint: endpoint, Method: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{
			Kind: KindTransport, Endpoint: endpoint, Method: method,
			Err: fmt.Errorf("http status %d", resp.StatusCode),
		}
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &CallError{Kind: KindTransport, Endpoint: endpoint, Method: method, Err: err}
	}
	if parsed.Error != nil {
		return nil, &CallError{
			Kind: KindRPC, Endpoint: endpoint, Method: method, Code: parsed.Error.Code,
			Err: fmt.Errorf("%s (code %d)", parsed.Error.Message, parsed.Error.Code),
		}
	}
	return parsed.Result, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// BreakerStates exposes the endpoint breaker states for health reporting.
func (c *Client) BreakerStates() map[string]circuit.State {
	return c.breakers.States()
}
