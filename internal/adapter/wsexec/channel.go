package wsexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	portexec "github.com/alanyang/agent-forge/internal/port/exec"
)

// handshakeTimeout bounds connection establishment. Failure rejects the caller
// without retry; retry policy belongs to the caller.
const handshakeTimeout = 10 * time.Second

var _ portexec.Channel = (*Channel)(nil)

// invocation is one in-flight command: its handlers are registered before the
// exec message is written, so the remote can never respond into a void.
type invocation struct {
	onOutput portexec.OutputFunc
	stdout   strings.Builder
	stderr   strings.Builder
	done     chan struct{}
	result   portexec.Result
	err      error
}

// Channel is a live connection to one sandbox.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	pending  map[string]*invocation
	closed   bool
	closeErr error
}

// Dial connects to the sandbox's exec endpoint. The handshake has a 10s
// timeout; a failure is returned as-is and the channel is never half-open.
func Dial(ctx context.Context, url string) (*Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing sandbox %s: %w", url, err)
	}

	c := &Channel{
		conn:    conn,
		pending: make(map[string]*invocation),
	}
	go c.readLoop()
	return c, nil
}

// Exec runs one command and blocks until its terminal message, streaming
// chunks to onOutput as they arrive. Safe for concurrent use; each call gets
// its own correlation id.
func (c *Channel) Exec(ctx context.Context, cmd portexec.Command, onOutput portexec.OutputFunc) (portexec.Result, error) {
	id := uuid.NewString()
	inv := &invocation{
		onOutput: onOutput,
		done:     make(chan struct{}),
	}

	// Register before sending: the remote may answer before Exec returns to
	// the select below.
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return portexec.Result{}, fmt.Errorf("exec rejected: %w", err)
	}
	c.pending[id] = inv
	c.mu.Unlock()

	// Deregistration is tied to invocation completion; an abandoned handler
	// would otherwise live as long as the connection.
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(TypeExec, ExecMessage{ID: id, Argv: cmd.Argv, Dir: cmd.Dir, Env: cmd.Env}); err != nil {
		return portexec.Result{}, fmt.Errorf("sending exec message: %w", err)
	}

	select {
	case <-ctx.Done():
		return portexec.Result{}, ctx.Err()
	case <-inv.done:
		if inv.err != nil {
			return portexec.Result{}, inv.err
		}
		return inv.result, nil
	}
}

// Close tears down the connection and fails all outstanding invocations.
func (c *Channel) Close() error {
	err := c.conn.Close()
	c.failAll(portexec.ErrConnectionClosed)
	return err
}

// Dead reports whether the connection has dropped. A dead channel rejects
// every Exec; the registry uses this to dial a replacement.
func (c *Channel) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) send(msgType string, payload interface{}) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches messages by correlation id until the connection drops,
// at which point every outstanding invocation fails explicitly — nothing is
// left waiting forever for a terminal message.
func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(fmt.Errorf("%w: %v", portexec.ErrConnectionClosed, err))
			return
		}

		var env EnvelopeRaw
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("wsexec: discarding malformed message", "error", err)
			continue
		}

		switch env.Type {
		case TypeOutput:
			var msg OutputMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				slog.Warn("wsexec: invalid output message", "error", err)
				continue
			}
			c.handleOutput(msg)

		case TypeComplete:
			var msg CompleteMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				slog.Warn("wsexec: invalid complete message", "error", err)
				continue
			}
			c.resolve(msg.ID, func(inv *invocation) {
				inv.result = portexec.Result{
					ExitCode: msg.ExitCode,
					Stdout:   inv.stdout.String(),
					Stderr:   inv.stderr.String(),
				}
			})

		case TypeError:
			var msg ErrorMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				slog.Warn("wsexec: invalid error message", "error", err)
				continue
			}
			c.resolve(msg.ID, func(inv *invocation) {
				inv.err = fmt.Errorf("remote execution failed: %s", msg.Message)
			})

		default:
			slog.Debug("wsexec: ignoring unknown message type", "type", env.Type)
		}
	}
}

func (c *Channel) handleOutput(msg OutputMessage) {
	c.mu.Lock()
	inv, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		// Late chunk for a finished or cancelled invocation.
		return
	}

	switch msg.Stream {
	case string(portexec.StreamStderr):
		inv.stderr.WriteString(msg.Data)
	default:
		inv.stdout.WriteString(msg.Data)
	}
	if inv.onOutput != nil {
		inv.onOutput(portexec.Stream(msg.Stream), msg.Data)
	}
}

func (c *Channel) resolve(id string, fill func(*invocation)) {
	c.mu.Lock()
	inv, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	fill(inv)
	close(inv.done)
}

func (c *Channel) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	outstanding := c.pending
	c.pending = make(map[string]*invocation)
	c.mu.Unlock()

	for _, inv := range outstanding {
		inv.err = err
		close(inv.done)
	}
	if len(outstanding) > 0 {
		slog.Warn("wsexec: connection dropped with commands outstanding", "count", len(outstanding), "error", err)
	}
}
