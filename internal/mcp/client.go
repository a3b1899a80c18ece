package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/relayd/internal/jsonrpc"
)

const (
	initializeTimeout = 60 * time.Second
	toolsListTimeout  = 10 * time.Second
	toolsCallTimeout  = 60 * time.Second
	maxTruncatedBytes = 10 * 1024
)

// pendingCall is the awaiter for one in-flight request.
type pendingCall struct {
	resp chan *jsonrpc.Response
}

// Client supervises one child process: it owns the process's stdin writer
// exclusively and multiplexes concurrent callers over a single stdout
// reader, by request id. Grounded on a stdio transport and tool client
// pairing, adapted to this module's internal/jsonrpc framer.
type Client struct {
	cfg    ServerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *jsonrpc.Writer

	pendingMu sync.Mutex
	pending   map[int64]pendingCall
	nextID    atomic.Int64

	toolsMu sync.RWMutex
	tools   []ToolDefinition

	connected atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewClient constructs a client for the given server config. It does not
// spawn the process; call Start for that.
func NewClient(cfg ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "mcp", "server", cfg.Name),
		pending: make(map[int64]pendingCall),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the child process, performs the initialize handshake, and
// discovers tools. A launch or initialize failure is returned as a startup
// failure, and the caller logs and skips the server; a tools/list failure is
// only logged, and the server starts with no tools.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("mcp: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: start %q: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.writer = jsonrpc.NewWriter(stdin)
	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop(jsonrpc.NewReader(stdout))
	go c.drainStderr(stderr)

	go func() {
		_ = cmd.Wait()
		c.handleExit()
	}()

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	if err := c.initialize(initCtx); err != nil {
		c.Stop()
		return err
	}

	listCtx, cancel2 := context.WithTimeout(ctx, toolsListTimeout)
	defer cancel2()
	if err := c.discoverTools(listCtx); err != nil {
		c.logger.Warn("tools/list failed", "error", err)
	}

	return nil
}

// Stop terminates the child process and fails every pending call.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.connected.Store(false)
		close(c.stopCh)
		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.failAllPending(ErrServerCrashed)
	})
	c.wg.Wait()
}

// Connected reports whether the child process is believed alive.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Tools returns the tools discovered at startup.
func (c *Client) Tools() []ToolDefinition {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Client) initialize(ctx context.Context) error {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relayd",
			"version": "1.0.0",
		},
	})
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	var initRes initializeResult
	if err := json.Unmarshal(result, &initRes); err != nil {
		return fmt.Errorf("mcp: parse initialize result: %w", err)
	}
	c.logger.Info("mcp server initialized",
		"name", initRes.ServerInfo.Name,
		"protocol", initRes.ProtocolVersion)

	// notifications/initialized is fire-and-forget.
	if err := c.writer.WriteNotification(&jsonrpc.Notification{Method: "notifications/initialized"}); err != nil {
		c.logger.Warn("failed to send notifications/initialized", "error", err)
	}
	return nil
}

func (c *Client) discoverTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var res rawToolsListResult
	if err := json.Unmarshal(result, &res); err != nil {
		return fmt.Errorf("mcp: parse tools/list result: %w", err)
	}
	for i := range res.Tools {
		res.Tools[i].ServerName = c.cfg.Name
	}
	c.toolsMu.Lock()
	c.tools = res.Tools
	c.toolsMu.Unlock()
	return nil
}

// CallTool invokes a tool and normalizes its result. Call-time failure
// (isError from the child, or transport error) is reported in the returned
// CallResult, never as a Go error, per the failure-semantics contract.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallResult, error) {
	params, err := json.Marshal(map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal call params: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolsCallTimeout)
	defer cancel()

	result, err := c.call(callCtx, "tools/call", params)
	if err != nil {
		return &CallResult{Content: err.Error(), IsError: true}, nil
	}

	var raw rawToolCallResult
	if err := json.Unmarshal(result, &raw); err != nil {
		return &CallResult{Content: fmt.Sprintf("malformed tool result: %v", err), IsError: true}, nil
	}

	return normalizeResult(raw), nil
}

func normalizeResult(raw rawToolCallResult) *CallResult {
	if len(raw.Content) == 0 {
		data, _ := json.Marshal(raw)
		content := string(data)
		if len(content) > maxTruncatedBytes {
			content = content[:maxTruncatedBytes] + "[...truncated]"
		}
		return &CallResult{Content: content, IsError: raw.IsError}
	}

	var parts []string
	for _, p := range raw.Content {
		switch p.Type {
		case "text":
			parts = append(parts, p.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[Image returned: %s]", p.MimeType))
		case "resource":
			uri := ""
			if p.Resource != nil {
				uri = p.Resource.URI
			}
			parts = append(parts, fmt.Sprintf("[Resource: %s]", uri))
		}
	}
	return &CallResult{Content: strings.Join(parts, "\n"), IsError: raw.IsError}
}

// call sends a request and blocks for its matching response, id-routed
// through the pending table, honoring ctx cancellation/timeout.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrServerCrashed
	}

	id := c.nextID.Add(1)
	respCh := make(chan *jsonrpc.Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = pendingCall{resp: respCh}
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writer.WriteRequest(&jsonrpc.Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("mcp: write request: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, ErrServerCrashed
	}
}

// readLoop decodes frames from the child's stdout until it exits or the
// reader errors. One dedicated reader per child, as required by the
// serialization contract.
func (c *Client) readLoop(r *jsonrpc.Reader) {
	defer c.wg.Done()
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		if frame.Response != nil {
			c.pendingMu.Lock()
			call, ok := c.pending[frame.Response.ID]
			if ok {
				delete(c.pending, frame.Response.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				call.resp <- frame.Response
			} else {
				c.logger.Warn("response for unknown id dropped", "id", frame.Response.ID)
			}
		}
		// Notifications from the server carry no response and are not
		// consumed by any caller in this module's scope.
	}
}

func (c *Client) drainStderr(r io.Reader) {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	var line bytes.Buffer
	for {
		n, err := r.Read(buf)
		if n > 0 {
			line.Write(buf[:n])
			for {
				s := line.String()
				idx := strings.IndexByte(s, '\n')
				if idx < 0 {
					break
				}
				if msg := strings.TrimSpace(s[:idx]); msg != "" {
					c.logger.Debug("server stderr", "message", msg)
				}
				line.Next(idx + 1)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) handleExit() {
	c.connected.Store(false)
	c.failAllPending(ErrServerCrashed)
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]pendingCall)
	c.pendingMu.Unlock()

	for _, call := range pending {
		call.resp <- &jsonrpc.Response{Error: &jsonrpc.Error{Code: jsonrpc.ErrInternalError, Message: err.Error()}}
	}
}
