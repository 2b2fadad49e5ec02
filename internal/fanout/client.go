package fanout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Command is what a websocket client sends to manage its subscriptions.
type Command struct {
	Action string `json:"action"` // subscribe or unsubscribe
	Scope  Scope  `json:"scope"`
	ID     string `json:"id"`
}

// Authorizer decides whether a client may watch a scope key. nil allows all.
type Authorizer func(ctx context.Context, scope Scope, key string) bool

// Client is one websocket connection subscribed to any number of scopes.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	allow  Authorizer
}

var _ Subscriber = (*Client)(nil)

func NewClient(hub *Hub, conn *websocket.Conn, allow Authorizer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		allow:  allow,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Deliver(ev *Event) bool {
	data, err := ev.Encode()
	if err != nil {
		zap.L().Error("fanout: encode event", zap.Error(err))
		return true
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Serve runs the pumps until the peer goes away. Subscriptions are removed on return.
func (c *Client) Serve() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.hub.UnsubscribeAll(c.id)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.L().Debug("fanout: websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.reply("error", "malformed command")
			continue
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd Command) {
	if (cmd.Scope != ScopeConnection && cmd.Scope != ScopeConversation) || cmd.ID == "" {
		c.reply("error", "scope and id are required")
		return
	}
	switch cmd.Action {
	case "subscribe":
		if c.allow != nil && !c.allow(c.ctx, cmd.Scope, cmd.ID) {
			c.reply("error", "subscription denied")
			return
		}
		c.hub.Subscribe(cmd.Scope, cmd.ID, c)
		c.reply("subscribed", string(cmd.Scope)+":"+cmd.ID)
	case "unsubscribe":
		c.hub.Unsubscribe(cmd.Scope, cmd.ID, c.id)
		c.reply("unsubscribed", string(cmd.Scope)+":"+cmd.ID)
	default:
		c.reply("error", "unknown action")
	}
}

func (c *Client) reply(typ, detail string) {
	data, _ := json.Marshal(map[string]string{"type": typ, "detail": detail})
	c.enqueue(data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				zap.L().Debug("fanout: websocket write error", zap.String("client", c.id), zap.Error(err))
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
