// Package planner controls the auxiliary planning-tool subprocess over
// newline-delimited JSON-RPC 2.0 on its standard streams. One client owns
// exactly one subprocess; correlation is purely positional over that one
// stream, so tool calls on a client are serialized.
package planner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	protocolVersion = "2024-11-05"

	// DefaultCallTimeout bounds a single tools/call read.
	DefaultCallTimeout = 300 * time.Second

	handshakeTimeout = 30 * time.Second
	terminateGrace   = 5 * time.Second

	// maxLineSize bounds a single stdout line. Tool results can be large.
	maxLineSize = 16 * 1024 * 1024
)

var (
	// ErrConnClosed indicates the subprocess exited or closed its stdout.
	ErrConnClosed = errors.New("planner connection closed")

	// ErrCallTimeout indicates no matching response arrived in time.
	ErrCallTimeout = errors.New("planner call timed out")
)

// CallError is a JSON-RPC error response or a tool-reported failure. It is
// surfaced as a call-level error, never thrown uncaught.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("planner call error (%d): %s", e.Code, e.Message)
}

// request is an outbound JSON-RPC message. Notifications omit the id.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC message.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolResult is the result shape of tools/call.
type toolResult struct {
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is a decoded tool invocation result. Text is the concatenation of
// the result's text parts; JSON is its opportunistic parse, nil when the
// text is not valid JSON.
type Result struct {
	Text string
	JSON any
}

// Client drives one planning-tool subprocess.
type Client struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	quit     chan struct{} // closed by Close; unblocks readLoop sends
	quitOnce sync.Once
	done     chan struct{} // closed when cmd.Wait returns

	mu          sync.Mutex // serializes calls; one in-flight request at a time
	nextID      int64
	callTimeout time.Duration
	logger      *zap.Logger
}

// Option adjusts client construction.
type Option func(*Client)

// WithCallTimeout overrides the default 300s tools/call read timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// Start spawns the subprocess and performs the initialize handshake.
func Start(ctx context.Context, command string, args []string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start planner %s: %w", command, err)
	}

	c := &Client{
		cmd:         cmd,
		stdin:       stdin,
		lines:       make(chan string, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		nextID:      1, // id 0 belongs to the handshake
		callTimeout: DefaultCallTimeout,
		logger:      logger.Named("planner"),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop(stdout)
	go c.drainStderr(stderr)

	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("planner handshake: %w", err)
	}

	return c, nil
}

// readLoop pumps stdout lines to the consumer channel. Closing the channel
// on EOF is what turns an abrupt process exit into ErrConnClosed instead
// of a hang. Once teardown starts, unconsumed lines are discarded so a
// chatty tool with a full buffer cannot pin this goroutine between
// Close and process exit.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.quit:
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("planner stdout read failed", zap.Error(err))
	}
	close(c.lines)
	_ = c.cmd.Wait()
	close(c.done)
}

// drainStderr forwards the tool's stderr to the log.
func (c *Client) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		c.logger.Debug("planner stderr", zap.String("line", scanner.Text()))
	}
}

// handshake sends initialize (id 0), waits for the matching response, and
// fires the initialized notification.
func (c *Client) handshake(ctx context.Context) error {
	id := int64(0)
	init := request{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "initialize",
		Params: initializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      clientInfo{Name: "incidentd", Version: "1.0"},
		},
	}
	if err := c.send(init); err != nil {
		return err
	}

	resp, err := c.awaitResponse(ctx, id, handshakeTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	// No response is awaited for the notification.
	return c.send(request{JSONRPC: "2.0", Method: "notifications/initialized"})
}

// Call invokes a tool and waits for its correlated response. A response
// carrying an error field comes back as *CallError. Concurrent calls are
// serialized; callers needing parallel invocations must use separate
// clients (separate subprocesses).
func (c *Client) Call(ctx context.Context, name string, arguments map[string]any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	req := request{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "tools/call",
		Params:  callParams{Name: name, Arguments: arguments},
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	resp, err := c.awaitResponse(ctx, id, c.callTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	return decodeResult(resp.Result)
}

// send writes one newline-delimited JSON message to the tool's stdin.
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rpc message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return nil
}

// awaitResponse reads lines until one parses as JSON with the wanted id.
// Non-JSON lines and unrelated messages are logged and skipped, never
// fatal unless the stream closes.
func (c *Client) awaitResponse(ctx context.Context, id int64, timeout time.Duration) (*response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, ErrConnClosed
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			var resp response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				c.logger.Debug("skipping non-JSON planner output", zap.String("line", snippetLine(line)))
				continue
			}
			if resp.ID == nil || *resp.ID != id {
				c.logger.Debug("skipping unrelated planner message",
					zap.Int64p("id", resp.ID),
					zap.Int64("want", id))
				continue
			}
			return &resp, nil

		case <-timer.C:
			return nil, ErrCallTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// decodeResult concatenates the text content parts and opportunistically
// parses the result as JSON.
func decodeResult(raw json.RawMessage) (*Result, error) {
	var tr toolResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}

	var sb strings.Builder
	for _, part := range tr.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	text := sb.String()

	if tr.IsError {
		return nil, &CallError{Message: text}
	}

	res := &Result{Text: text}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		res.JSON = parsed
	}
	return res, nil
}

// Close terminates the subprocess, waiting up to the grace period before
// force-killing it. Teardown is bounded even when the tool floods stdout:
// closing quit releases readLoop from a blocked channel send so it can
// drain to EOF and signal done.
func (c *Client) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	_ = c.stdin.Close()

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(terminateGrace):
	}

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.done
	return nil
}

func snippetLine(line string) string {
	if len(line) > 200 {
		return line[:200]
	}
	return line
}
