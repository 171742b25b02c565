package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	calerrors "gantry-twist-go/pkg/errors"
	"gantry-twist-go/pkg/log"
)

// ErrClosed is returned by calls made after the connection has gone.
var ErrClosed = errors.New("moonraker connection closed")

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcMessage is any message read by the client: a response carries an
// id, a notification only a method.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type rpcCall struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

// ClientConfig configures Dial.
type ClientConfig struct {
	// URL of the websocket endpoint, e.g. ws://printer.local:7125/websocket.
	URL string

	// CallTimeout bounds calls whose context has no deadline. G-code
	// scripts block until the printer has run them, so this must cover
	// the longest move or probe.
	CallTimeout time.Duration

	Logger *log.Logger
}

// Client is a JSON-RPC client over the Moonraker websocket. It is safe
// for concurrent use.
type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *rpcMessage
	closed  bool
	cause   error

	nextID atomic.Int64
	done   chan struct{}
}

// Dial connects to Moonraker and identifies the client.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("moonraker")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, calerrors.TransportError("dial "+cfg.URL, err)
	}
	conn.SetReadLimit(4 << 20)

	c := &Client{
		conn:    conn,
		log:     cfg.Logger,
		timeout: cfg.CallTimeout,
		pending: make(map[int64]chan *rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	err = c.Call(ctx, "server.connection.identify", map[string]any{
		"client_name": "twistcal",
		"version":     "1.0",
		"type":        "agent",
		"url":         "https://github.com/gantry-twist-go",
	}, nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.log.Info("connected to %s", cfg.URL)
	return c, nil
}

// Call invokes method and decodes its result into out, which may be nil.
// An error reply is returned as a plain error carrying the printer's
// message so it can be classified.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	reply := make(chan *rpcMessage, 1)

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return calerrors.TransportError(method, cause)
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	err := c.conn.WriteJSON(rpcCall{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	c.writeMu.Unlock()
	if err != nil {
		return calerrors.TransportError(method, err)
	}

	select {
	case msg := <-reply:
		if msg == nil {
			return calerrors.TransportError(method, c.closeCause())
		}
		if msg.Error != nil {
			return fmt.Errorf("%s", msg.Error.Message)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Script runs a G-code script and waits for it to finish.
func (c *Client) Script(ctx context.Context, script string) error {
	c.log.Debug("gcode: %s", script)
	return c.Call(ctx, "printer.gcode.script", map[string]any{"script": script}, nil)
}

// QueryObjects returns the status of the requested printer objects. A nil
// attribute list asks for every attribute.
func (c *Client) QueryObjects(ctx context.Context, objects map[string][]string) (map[string]json.RawMessage, error) {
	req := make(map[string]any, len(objects))
	for name, attrs := range objects {
		if attrs == nil {
			req[name] = nil
		} else {
			req[name] = attrs
		}
	}
	var result struct {
		Status map[string]json.RawMessage `json:"status"`
	}
	if err := c.Call(ctx, "printer.objects.query", map[string]any{"objects": req}, &result); err != nil {
		return nil, err
	}
	return result.Status, nil
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// readLoop routes responses to their callers. Notifications have no id
// and are only logged.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("websocket read failed")
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("discarding malformed message")
			continue
		}
		if msg.ID == nil {
			c.log.Debug("notification %s", msg.Method)
			continue
		}

		// reply channels hold one message, so the send never blocks
		c.mu.Lock()
		if ch := c.pending[*msg.ID]; ch != nil {
			ch <- &msg
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cause = cause
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) closeCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}
