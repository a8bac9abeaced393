// Package cdp is a minimal Chrome DevTools Protocol client over a single
// browser websocket using flattened target sessions.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the browser.
	writeWait = 10 * time.Second
)

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("cdp: connection closed")

// Error is a protocol-level error returned by the browser.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp: %d: %s", e.Code, e.Message)
}

type request struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Conn is a DevTools connection to one browser. It is safe for concurrent
// use; responses are matched to calls by id.
type Conn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan message
	closed  bool

	// done is closed when the read loop exits.
	done chan struct{}
}

// Dial connects to a browser's DevTools websocket endpoint, e.g.
// "ws://127.0.0.1:9222/devtools/browser/<id>".
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("cdp: connect: %w", err)
	}
	// Screenshots arrive as large base64 frames.
	ws.SetReadLimit(64 << 20)

	c := &Conn{
		conn:    ws,
		pending: make(map[int64]chan message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes method on the browser (sessionID "") or on an attached
// target session and decodes the result into out when out is non-nil.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("cdp: write %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("cdp: %s: %w", method, msg.Error)
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("cdp: decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close shuts the connection down. Pending calls return ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

// readLoop routes responses to their callers. Events are dropped; callers
// poll page state instead of subscribing.
func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// Discover resolves the browser websocket URL from the DevTools HTTP
// endpoint, e.g. "http://127.0.0.1:9222".
func Discover(ctx context.Context, httpURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("cdp: discover: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cdp: discover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cdp: discover: status %d", resp.StatusCode)
	}

	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("cdp: discover: decode: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("cdp: discover: no webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}
