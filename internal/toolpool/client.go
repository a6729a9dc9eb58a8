// Package toolpool implements the Tool Client Pool (C6): one subprocess
// client per tool provider, each single-writer with a pending-call table
// keyed by request id, reconnecting with bounded exponential backoff.
package toolpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/apierr"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/async"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/mcp"
)

// Status is the closed set of client connection states (spec §3).
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// Name is a member of the closed tool-provider vocabulary (spec
// Glossary).
type Name string

const (
	NameLiteratureIndex Name = "literature-index"
	NameCitations       Name = "citations"
	NameClinicalTrials  Name = "clinical-trials"
	NameKnowledgeBase   Name = "knowledge-base"
	NameImaging         Name = "imaging"
)

type pendingCall struct {
	ch        chan *mcp.Response
	discarded bool
}

// Client owns one tool provider's subprocess and wire protocol. Calls may
// come from any goroutine; their writes are serialized by
// ProcessManager.Write's own lock, and mu guards the pending-call table
// and status.
type Client struct {
	name    Name
	process *mcp.ProcessManager
	idGen   mcp.IDGenerator
	logger  logging.Logger

	mu                  sync.RWMutex
	status              Status
	pending             map[int64]*pendingCall
	lastErr             error
	reconnectAttempts    int
	maxReconnectAttempts int
	tools               []string

	readLoopOnce sync.Once

	callDuration *prometheus.HistogramVec
}

// SetMetrics attaches a shared call-duration histogram, labeled by
// provider name and outcome. Optional — a Client with none attached
// simply skips recording.
func (c *Client) SetMetrics(h *prometheus.HistogramVec) {
	c.callDuration = h
}

// NewClient builds a Client around an unstarted ProcessManager.
func NewClient(name Name, process *mcp.ProcessManager, maxReconnectAttempts int, logger logging.Logger) *Client {
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = 3
	}
	return &Client{
		name:                 name,
		process:              process,
		logger:               logging.OrNop(logger),
		status:               StatusDisconnected,
		pending:              make(map[int64]*pendingCall),
		maxReconnectAttempts: maxReconnectAttempts,
	}
}

// Connect spawns the subprocess and performs the listTools handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	if err := c.process.Start(ctx); err != nil {
		c.fail(err)
		return err
	}

	c.readLoopOnce.Do(func() {
		async.Go(c.logger, fmt.Sprintf("toolpool.%s.readLoop", c.name), c.readLoop)
	})

	result, err := c.call(ctx, "listTools", nil, time.Now().Add(10*time.Second))
	if err != nil {
		c.fail(err)
		return err
	}

	tools, err := parseToolList(result)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.tools = tools
	c.status = StatusConnected
	c.reconnectAttempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	return nil
}

func parseToolList(result any) ([]string, error) {
	m, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("toolpool: malformed listTools result")
	}
	raw, ok := m["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("toolpool: listTools result missing tools array")
	}
	tools := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tools = append(tools, s)
			continue
		}
		if obj, ok := t.(map[string]any); ok {
			if n, ok := obj["name"].(string); ok {
				tools = append(tools, n)
			}
		}
	}
	sort.Strings(tools)
	return tools, nil
}

// Call issues method with args and waits for the matching reply or
// deadline. While status != connected it fails fast with ToolUnavailable
// (spec §4.6) rather than queuing.
func (c *Client) Call(ctx context.Context, method string, args map[string]any, deadline time.Time) (any, error) {
	if c.Status() != StatusConnected {
		return nil, apierr.New(apierr.ToolUnavailable, fmt.Sprintf("tool provider %s is not connected", c.name))
	}
	return c.call(ctx, method, args, deadline)
}

func (c *Client) call(ctx context.Context, method string, args map[string]any, deadline time.Time) (any, error) {
	start := time.Now()
	result, err := c.doCall(ctx, method, args, deadline)
	if c.callDuration != nil {
		c.callDuration.WithLabelValues(string(c.name), callOutcome(err)).Observe(time.Since(start).Seconds())
	}
	return result, err
}

func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return string(apiErr.Kind)
	}
	return "error"
}

func (c *Client) doCall(ctx context.Context, method string, args map[string]any, deadline time.Time) (any, error) {
	id := c.idGen.Next()
	req := &mcp.Request{ID: id, Method: method, Params: args}

	data, err := mcp.Marshal(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "encode tool request", err)
	}

	pc := &pendingCall{ch: make(chan *mcp.Response, 1)}
	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.process.Write(data); err != nil {
		c.removePending(id)
		c.fail(err)
		return nil, apierr.Wrap(apierr.ToolUnavailable, fmt.Sprintf("write to %s failed", c.name), err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp := <-pc.ch:
		c.removePending(id)
		if resp.IsError() {
			return nil, apierr.Wrap(apierr.ToolReturnedError, fmt.Sprintf("%s returned an error", c.name), resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.markDiscarded(id)
		return nil, apierr.Wrap(apierr.ToolTimeout, fmt.Sprintf("%s call cancelled", c.name), ctx.Err())
	case <-timer.C:
		// Per spec §4.6: the pending entry completes with
		// DeadlineExceeded and is not cancelled on the wire; a late
		// reply with this id is discarded by readLoop.
		c.markDiscarded(id)
		return nil, apierr.New(apierr.ToolTimeout, fmt.Sprintf("%s call exceeded its deadline", c.name))
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) markDiscarded(id int64) {
	c.mu.Lock()
	if pc, ok := c.pending[id]; ok {
		pc.discarded = true
	}
	c.mu.Unlock()
}

// readLoop demultiplexes child stdout lines to pending calls by id. A
// read error, or end of stream while connected, transitions the client to
// failed and schedules reconnect. A line that does not decode is logged
// and skipped; it does not change the client's status.
func (c *Client) readLoop() {
	stdout := c.process.Stdout()
	if stdout == nil {
		return
	}
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := mcp.UnmarshalResponse(line)
		if err != nil {
			c.logger.Error("toolpool[%s]: decode error: %v", c.name, err)
			continue
		}
		id, ok := toInt64(resp.ID)
		if !ok {
			continue
		}

		c.mu.Lock()
		pc, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if !ok || pc.discarded {
			continue
		}
		select {
		case pc.ch <- resp:
		default:
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		c.fail(err)
		c.scheduleReconnect()
		return
	}
	if c.Status() == StatusConnected {
		c.fail(fmt.Errorf("toolpool[%s]: child closed stdout", c.name))
		c.scheduleReconnect()
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	attempts := c.reconnectAttempts
	maxAttempts := c.maxReconnectAttempts
	c.mu.Unlock()
	if attempts >= maxAttempts {
		c.logger.Error("toolpool[%s]: giving up after %d reconnect attempts", c.name, attempts)
		return
	}

	async.Go(c.logger, fmt.Sprintf("toolpool.%s.reconnect", c.name), func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 16 * time.Second
		b.MaxElapsedTime = 0

		_ = backoff.Retry(func() error {
			c.mu.Lock()
			c.reconnectAttempts++
			attempt := c.reconnectAttempts
			c.mu.Unlock()
			if attempt > c.maxReconnectAttempts {
				return nil
			}
			c.logger.Info("toolpool[%s]: reconnect attempt %d/%d", c.name, attempt, c.maxReconnectAttempts)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := c.Connect(ctx)
			if err != nil {
				c.logger.Warn("toolpool[%s]: reconnect attempt %d failed: %v", c.name, attempt, err)
			}
			return err
		}, backoff.WithMaxRetries(b, uint64(c.maxReconnectAttempts)))
	})
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.status = StatusFailed
	c.lastErr = err
	pending := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		pending = append(pending, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, pc := range pending {
		select {
		case pc.ch <- &mcp.Response{Error: &mcp.RPCError{Code: -1, Message: "transport failed"}}:
		default:
		}
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Status returns the client's current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastError returns the most recently recorded transport failure, if any.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Capabilities returns the sorted tool names this client advertised at
// handshake.
func (c *Client) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tools...)
}

// Close sends the graceful shutdown terminator, waits a grace period,
// then force-terminates; every pending call completes with Shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	c.status = StatusDisconnected
	pending := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		pending = append(pending, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, pc := range pending {
		select {
		case pc.ch <- &mcp.Response{Error: &mcp.RPCError{Code: -2, Message: "shutdown"}}:
		default:
		}
	}

	return c.process.Stop(5 * time.Second)
}
