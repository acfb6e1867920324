// Package transport implements the reference OneBot v11 over WebSocket
// transport adapter: it owns the outbound connection to the OneBot
// implementation, decodes inbound message/notice/meta_event frames into the
// dispatcher's event types, and implements capability.Transport and
// capability.AsyncGateway so the capability surface and dispatcher never
// need to know the wire protocol.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	callTimeout    = 10 * time.Second
)

// Resolver is the subset of internal/broker.Broker the transport uses to
// resolve an async group-info request once its OneBot response frame
// arrives.
type Resolver interface {
	Resolve(internalID string, success bool, content string, reason string, data any, infoType string)
}

// Client owns one reconnecting WebSocket connection to a OneBot
// implementation. It is the default, swappable wiring described in
// SPEC_FULL.md: nothing outside this package depends on the OneBot wire
// shape.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan onebotResponse

	stopChan chan struct{}

	events   chan json.RawMessage
	resolver Resolver
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option   { return func(c *Client) { c.logger = l } }
func WithToken(token string) Option      { return func(c *Client) { c.token = token } }
func WithResolver(r Resolver) Option     { return func(c *Client) { c.resolver = r } }

// New constructs a Client for the given OneBot WebSocket URL. Call Connect
// to dial and start the read/write pumps.
func New(wsURL string, opts ...Option) *Client {
	c := &Client{
		url:      wsURL,
		logger:   slog.Default(),
		pending:  make(map[string]chan onebotResponse),
		stopChan: make(chan struct{}),
		events:   make(chan json.RawMessage, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events exposes the raw inbound event frame stream, the same channel Run
// reads from.
func (c *Client) Events() <-chan json.RawMessage { return c.events }

// Connect dials the OneBot WebSocket endpoint and starts the read and
// write pumps, mirroring the dial/reconnect/ping-pong idiom used elsewhere
// in the retrieval pack for long-lived WebSocket clients.
func (c *Client) Connect() error {
	dialURL := c.url
	if c.token != "" {
		u, err := url.Parse(c.url)
		if err != nil {
			return fmt.Errorf("transport: parsing url: %w", err)
		}
		q := u.Query()
		q.Set("access_token", c.token)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(dialURL, nil)
	if err != nil {
		return fmt.Errorf("transport: dialing onebot: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readPump()
	go c.writePump()
	c.logger.Info("transport connected", "url", c.url)
	return nil
}

// Stop closes the connection and stops the pumps.
func (c *Client) Stop() {
	close(c.stopChan)
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
}

func (c *Client) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}
		if err := c.Connect(); err == nil {
			return
		}
		c.logger.Warn("transport reconnect failed, retrying", "backoff", backoff)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) readPump() {
	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
			}
			c.logger.Warn("transport read error, reconnecting", "error", err)
			c.reconnect()
			continue
		}
		c.handleFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("transport ping failed", "error", err)
			}
		case <-c.stopChan:
			return
		}
	}
}

// handleFrame routes one inbound frame: a response to a prior action call
// (carries "echo"), or an event to hand to the dispatcher (carries
// "post_type").
func (c *Client) handleFrame(raw []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.logger.Warn("transport: malformed frame", "error", err)
		return
	}

	if probe.Echo != "" {
		c.handleResponse(probe.Echo, raw)
		return
	}
	if probe.PostType != "" {
		select {
		case c.events <- json.RawMessage(raw):
		default:
			c.logger.Warn("transport: event channel full, dropping frame")
		}
	}
}

type onebotResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg,omitempty"`
}

func (c *Client) handleResponse(echo string, raw []byte) {
	c.pendingMu.Lock()
	ch, ok := c.pending[echo]
	if ok {
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()

	var resp onebotResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("transport: malformed response frame", "echo", echo, "error", err)
		return
	}

	if ok {
		ch <- resp
		return
	}

	// No synchronous caller is waiting: this is the response to an
	// asynchronous group-info dispatch whose echo is the broker's
	// internal request id.
	if c.resolver == nil {
		return
	}
	success := resp.Status == "ok" || resp.RetCode == 0
	reason := resp.Msg
	if success {
		reason = ""
	}
	var data any
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &data)
	}
	c.resolver.Resolve(echo, success, "", reason, data, "")
}

// sendAction writes an OneBot action frame tagged with echo, or with a fresh
// uuid when echo is empty.
func (c *Client) sendAction(action string, params any, echo string) error {
	if echo == "" {
		echo = uuid.NewString()
	}
	frame := map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: marshaling action: %w", err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("transport: writing action: %w", err)
	}
	return nil
}

// callSync sends an action and blocks for its matching response frame, for
// the synchronous capability.Transport.CallAPI contract.
func (c *Client) callSync(action string, params any) (json.RawMessage, error) {
	echo := uuid.NewString()
	ch := make(chan onebotResponse, 1)

	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()

	if err := c.sendAction(action, params, echo); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Status != "" && resp.Status != "ok" {
			return resp.Data, fmt.Errorf("transport: onebot action %s failed: %s", action, resp.Msg)
		}
		return resp.Data, nil
	case <-time.After(callTimeout):
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("transport: onebot action %s timed out", action)
	}
}
