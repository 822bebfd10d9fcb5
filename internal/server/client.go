package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// ErrClosed is returned by Call once the connection is gone.
var ErrClosed = errors.New("agent connection closed")

// ReplyError is an {"error": "..."} reply from the agent.
type ReplyError struct {
	Action  string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client is a request/response connection to the hub, used by the popup and
// the command line. Messages that answer no pending call are dropped.
type Client struct {
	ws   *websocket.Conn
	next atomic.Int64

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool
	done    chan struct{}
}

// Dial connects to the hub at url and registers as role.
func Dial(ctx context.Context, url, role string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	ws.SetReadLimit(4 << 20)

	hello, err := NewRequest("", ActionHello, map[string]string{"role": role})
	if err != nil {
		ws.CloseNow()
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, hello); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("register %s: %w", role, err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[string]chan []byte),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			return
		}
		var env struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(data, &env) != nil || env.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			ch <- data
		}
	}
}

// Call sends action with payload and decodes the reply into out, which may
// be nil. An error reply is returned as *ReplyError.
func (c *Client) Call(ctx context.Context, action string, payload, out any) error {
	id := "c" + strconv.FormatInt(c.next.Add(1), 10)
	msg, err := NewRequest(id, action, payload)
	if err != nil {
		return err
	}

	ch := make(chan []byte, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		forget()
		return fmt.Errorf("send %s: %w", action, err)
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		return decodeReply(action, data, out)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func decodeReply(action string, data []byte, out any) error {
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &failure); err != nil {
		return fmt.Errorf("decode %s reply: %w", action, err)
	}
	if failure.Error != "" {
		return &ReplyError{Action: action, Message: failure.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", action, err)
	}
	return nil
}

// Close shuts the connection and fails pending calls with ErrClosed.
func (c *Client) Close() error {
	err := c.ws.CloseNow()
	<-c.done
	return err
}
