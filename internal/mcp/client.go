package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

// errEmptyResponse marks a correlated response with neither result nor
// error. The call fails but the session stays usable.
var errEmptyResponse = errors.New("response carries neither result nor error")

// consecutive malformed responses tolerated before the session is
// declared broken
const maxProtocolErrors = 3

// Options configures a Client.
type Options struct {
	// Command is the subprocess launch command, split on whitespace.
	Command string

	// Env holds credential entries appended to the subprocess environment.
	Env []string

	// StartTimeout bounds the readiness handshake.
	StartTimeout time.Duration

	// CallTimeout bounds one tool call.
	CallTimeout time.Duration

	Logger *zap.Logger
}

// Client owns exactly one tool-provider subprocess and exposes a
// call/response contract over its stdio. Concurrent callers are
// serialized onto the wire and matched back by correlation id, so each
// caller sees exactly its own response.
type Client struct {
	opts Options
	log  *zap.Logger

	startMu sync.Mutex // serializes Start/Stop

	mu        sync.Mutex
	state     SessionState
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pending   map[int64]chan *rpcResponse
	nextID    int64
	tools     map[string]ToolSchema
	protoErrs int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates an unstarted Client.
func NewClient(opts Options) *Client {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		log:     log,
		state:   StateNotStarted,
		pending: make(map[int64]chan *rpcResponse),
		nextID:  1,
		tools:   make(map[string]ToolSchema),
	}
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tools returns the tool registry discovered at startup.
func (c *Client) Tools() []ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSchema, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Start launches the subprocess, performs the readiness handshake, and
// discovers the tool registry. Calling Start on a ready session is a
// no-op. A failed handshake terminates the process and returns a
// *StartError.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateFailed, StateStopped:
		state := c.state
		c.mu.Unlock()
		return &StartError{Err: fmt.Errorf("session is %s", state)}
	}
	c.mu.Unlock()

	parts := strings.Fields(c.opts.Command)
	if len(parts) == 0 {
		return &StartError{Err: errors.New("empty launch command")}
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), c.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &StartError{Err: fmt.Errorf("start %s: %w", parts[0], err)}
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readStderr(stderr)

	c.attachIO(stdin, stdout)

	if err := c.handshake(ctx); err != nil {
		c.terminate()
		c.markFailed("handshake failed")
		return &StartError{Err: err}
	}
	return nil
}

// attachIO installs the wire pipes and spawns the reader loop. Split
// out of Start so tests can drive the protocol over in-memory pipes.
func (c *Client) attachIO(stdin io.WriteCloser, stdout io.Reader) {
	c.mu.Lock()
	c.stdin = stdin
	c.state = StateStarting
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(stdout)
}

// handshake performs initialize -> initialized -> tools/list within the
// start timeout, then marks the session ready.
func (c *Client) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	defer cancel()

	_, err := c.call(hctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "pagenerd",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := c.notify("notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	resp, err := c.call(hctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse tools/list response: %w", err)
	}

	c.mu.Lock()
	for _, t := range result.Tools {
		c.tools[t.Name] = t
	}
	c.state = StateReady
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	c.mu.Unlock()

	c.log.Info("mcp session ready", zap.Strings("tools", names))
	return nil
}

// Invoke sends one tool call and blocks until its correlated response
// arrives or the per-call timeout elapses. A timeout fails only this
// call; the session is marked failed only when the channel itself
// breaks.
func (c *Client) Invoke(ctx context.Context, call ToolCall) ToolResult {
	c.mu.Lock()
	state := c.state
	_, known := c.tools[call.Tool]
	c.mu.Unlock()

	if state != StateReady {
		return failedResult(call.ID, FailureTransport, "session is %s", state)
	}
	if !known {
		return failedResult(call.ID, FailureTool, "tool %q is not provided by the server", call.Tool)
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	resp, err := c.call(cctx, "tools/call", map[string]any{
		"name":      call.Tool,
		"arguments": call.Args,
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			c.log.Warn("tool call timed out",
				zap.String("tool", call.Tool), zap.String("call_id", call.ID))
			return failedResult(call.ID, FailureTimeout,
				"no response for %s within %s", call.Tool, c.opts.CallTimeout)
		case ctx.Err() != nil:
			return failedResult(call.ID, FailureTransport, "call abandoned: %v", ctx.Err())
		default:
			var rerr *rpcError
			if errors.As(err, &rerr) {
				return failedResult(call.ID, FailureTool, "%s", rerr.Message)
			}
			if errors.Is(err, errEmptyResponse) {
				return failedResult(call.ID, FailureProtocol, "%v", err)
			}
			return failedResult(call.ID, FailureTransport, "%v", err)
		}
	}

	return ToolResult{ID: call.ID, OK: true, Payload: resp.Result}
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call registers a correlation id, writes one request to the wire, and
// waits for the matching response.
func (c *Client) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	c.mu.Lock()
	if c.stdin == nil {
		c.mu.Unlock()
		return nil, errors.New("transport not attached")
	}

	id := c.nextID
	c.nextID++
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		c.markFailed("write failed")
		return nil, fmt.Errorf("write request: %w", err)
	}
	c.mu.Unlock()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errors.New("session closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		if resp.Result == nil {
			return nil, errEmptyResponse
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify writes a JSON-RPC notification (no id, no response).
func (c *Client) notify(method string) error {
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return errors.New("transport not attached")
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// readLoop is the single wire reader. It dispatches correlated
// responses to waiting callers and tracks consecutive protocol errors.
func (c *Client) readLoop(stdout io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			c.log.Warn("malformed line from server", zap.Error(err))
			if c.recordProtocolError() {
				return
			}
			continue
		}

		rawID, hasID := probe["id"]
		if !hasID {
			// Server notification; nothing waits on it.
			c.log.Debug("server notification", zap.ByteString("line", line))
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || !json.Valid(rawID) {
			c.log.Warn("malformed response", zap.Error(err))
			if c.recordProtocolError() {
				return
			}
			continue
		}

		if resp.Result == nil && resp.Error == nil {
			// Correlated but empty: fail that caller, count the error.
			c.deliver(resp.ID, &resp)
			if c.recordProtocolError() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.protoErrs = 0
		c.mu.Unlock()
		c.deliver(resp.ID, &resp)
	}

	// EOF or read error: the channel is broken unless we are shutting
	// down deliberately.
	select {
	case <-c.done:
	default:
		if err := scanner.Err(); err != nil {
			c.log.Error("wire read failed", zap.Error(err))
		}
		c.markFailed("server closed the channel")
	}
}

func (c *Client) deliver(id int64, resp *rpcResponse) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown correlation id", zap.Int64("id", id))
		return
	}
	ch <- resp
}

// recordProtocolError bumps the consecutive-error counter and fails the
// session once the threshold is crossed. Returns true when the reader
// should stop.
func (c *Client) recordProtocolError() bool {
	c.mu.Lock()
	c.protoErrs++
	broken := c.protoErrs >= maxProtocolErrors
	c.mu.Unlock()
	if broken {
		c.log.Error("too many consecutive protocol errors, failing session",
			zap.Int("count", maxProtocolErrors))
		c.markFailed("repeated protocol errors")
	}
	return broken
}

// markFailed transitions the session to failed and releases every
// waiting caller.
func (c *Client) markFailed(reason string) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	pending := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.log.Warn("mcp session failed", zap.String("reason", reason))
}

func (c *Client) readStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

func (c *Client) terminate() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// Stop terminates the subprocess and releases all resources. Safe to
// call on every exit path, any number of times, in any state.
func (c *Client) Stop() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateStopped
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	pending := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	c.terminate()

	// Bounded wait for the reader goroutines, matching how long we are
	// willing to block shutdown.
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		c.log.Warn("timed out waiting for transport goroutines")
	}

	if prev != StateNotStarted {
		c.log.Info("mcp session stopped")
	}
	return nil
}
