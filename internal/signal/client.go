package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/parley/internal/config"
)

// ErrClosed is returned once the signal-cli subprocess has exited.
var ErrClosed = errors.New("signal-cli subprocess exited")

// rpcResponse pairs a raw JSON result with an optional error for
// delivery through the pending channel.
type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcRaw is a line read from signal-cli: a response when ID is set, a
// notification when Method is.
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Target addresses either a single recipient or a group. Exactly one
// field is set.
type Target struct {
	Recipient string
	GroupID   string
}

func (t Target) params() map[string]any {
	if t.GroupID != "" {
		return map[string]any{"groupId": t.GroupID}
	}
	return map[string]any{"recipient": []string{t.Recipient}}
}

// Client talks to a signal-cli process running in jsonRpc mode over
// stdin/stdout. Receive notifications carrying a data message are
// pushed to a channel; requests are correlated with responses through
// a pending map.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex                 // protects pending + stdin writes
	pending map[int64]chan rpcResponse // request ID → response channel

	messages chan *Envelope
	done     chan struct{} // closed when the reader exits
	waitErr  chan error    // cmd.Wait result, exactly once
}

// NewClient creates a signal-cli JSON-RPC client. Call Start to launch
// the subprocess.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command:  command,
		args:     args,
		logger:   logger,
		pending:  make(map[int64]chan rpcResponse),
		messages: make(chan *Envelope, 64),
		done:     make(chan struct{}),
		waitErr:  make(chan error, 1),
	}
}

// Start launches the signal-cli subprocess. Must be called exactly once.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting signal-cli subprocess",
		"command", c.command,
		"args", c.args,
	)

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.drainStderr(stderr)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli subprocess exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli subprocess exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Messages returns inbound data message envelopes. The channel is
// closed when the subprocess exits.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Done is closed when the subprocess output ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendText sends a text message and returns its server timestamp.
func (c *Client) SendText(ctx context.Context, to Target, message string) (int64, error) {
	params := to.params()
	params["message"] = message
	return c.send(ctx, params)
}

// SendStyledText sends a message with Signal text styles applied.
func (c *Client) SendStyledText(ctx context.Context, to Target, message string, styles []TextStyle) (int64, error) {
	params := to.params()
	params["message"] = message
	if len(styles) > 0 {
		ranges := make([]string, len(styles))
		for i, s := range styles {
			ranges[i] = s.String()
		}
		params["textStyle"] = ranges
	}
	return c.send(ctx, params)
}

// SendAttachment sends a local file as an attachment with no caption.
// The path must be readable by the signal-cli process.
func (c *Client) SendAttachment(ctx context.Context, to Target, path string) (int64, error) {
	params := to.params()
	params["attachments"] = []string{path}
	return c.send(ctx, params)
}

func (c *Client) send(ctx context.Context, params map[string]any) (int64, error) {
	raw, err := c.call(ctx, "send", params)
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}

	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("unmarshal send result: %w", err)
	}
	return result.Timestamp, nil
}

// SendReceipt sends a read receipt for the given message timestamp.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// QuitGroup leaves the group.
func (c *Client) QuitGroup(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "quitGroup", map[string]any{"groupId": groupID})
	if err != nil {
		return fmt.Errorf("signal quitGroup: %w", err)
	}
	return nil
}

// Ping checks that the subprocess is responsive by requesting its
// version. Suitable as a connwatch check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close shuts down the subprocess: stdin is closed to ask it to exit,
// and it is killed if it has not gone within five seconds.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	c.logger.Info("stopping signal-cli subprocess", "pid", c.cmd.Process.Pid)
	if c.stdin != nil {
		c.stdin.Close()
	}

	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli did not exit gracefully, killing",
			"pid", c.cmd.Process.Pid,
		)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

// call sends a JSON-RPC request and waits for the response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// A cancelled caller must not block on a pipe nobody reads.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "signal-cli request", "payload", string(data))

	c.mu.Lock()
	c.pending[id] = ch
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli stdin: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

// readLoop routes responses to their pending channels and data message
// notifications to the messages channel until stdout ends.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal-cli read error", "error", err)
			}
			c.failPending()
			return
		}
		c.logger.Log(context.Background(), config.LevelTrace, "signal-cli line", "payload", string(line))

		var raw rpcRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			c.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		if raw.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*raw.ID]
			delete(c.pending, *raw.ID)
			c.mu.Unlock()

			if ok {
				ch <- rpcResponse{Result: raw.Result, Error: raw.Error}
			} else {
				c.logger.Debug("signal-cli response for unknown ID", "id", *raw.ID)
			}
			continue
		}

		if raw.Method != "receive" {
			c.logger.Debug("signal-cli unknown notification", "method", raw.Method)
			continue
		}

		var notif receiveNotification
		if err := json.Unmarshal(raw.Params, &notif); err != nil {
			c.logger.Warn("signal-cli malformed receive notification",
				"error", err,
				"params", string(raw.Params),
			)
			continue
		}

		// Typing indicators, receipts and sync messages carry nothing
		// to relay.
		if notif.Envelope.DataMessage == nil {
			continue
		}
		select {
		case c.messages <- &notif.Envelope:
		default:
			c.logger.Warn("signal message channel full, dropping message",
				"sender", notif.Envelope.Source,
			)
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "subprocess exited"}}
		delete(c.pending, id)
	}
}

// drainStderr logs stderr lines at debug level.
func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("signal-cli stderr scan error", "error", err)
	}
}
