// Package ws streams engine events over WebSocket.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
	"github.com/c0deZ3R0/marketsync/transport/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Message is the envelope sent to clients. Type is an event type for event
// frames, "subscribed" for the first frame, or "dropped" before the server
// closes a subscriber that fell behind.
type Message struct {
	Type           string         `json:"type"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	Event          *synckit.Event `json:"event,omitempty"`
}

// Server upgrades requests and forwards one engine subscription per connection.
type Server struct {
	Source   stream.Source
	Logger   *slog.Logger
	Upgrader websocket.Upgrader
}

// NewServer returns a Server. checkOrigin may be nil to accept only same-origin requests.
func NewServer(source stream.Source, logger *slog.Logger, checkOrigin func(*http.Request) bool) *Server {
	if logger == nil {
		logger = logging.WithComponent(logging.Component("transport/ws")).Logger
	}
	return &Server{
		Source: source,
		Logger: logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, caller := stream.Open(w, r, s.Source)
		if sub == nil {
			return
		}
		conn, err := s.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			s.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		c := &client{conn: conn, sub: sub, caller: caller, logger: s.Logger.With("subscription_id", sub.ID)}
		go c.readPump()
		c.writePump()
	})
}

type client struct {
	conn   *websocket.Conn
	sub    *synckit.Subscription
	caller synckit.AuthContext
	logger *slog.Logger
}

// readPump discards client frames; it exists to process control frames and
// notice when the peer goes away.
func (c *client) readPump() {
	defer c.sub.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
	}()

	if err := c.send(Message{Type: "subscribed", SubscriptionID: c.sub.ID}); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				if c.sub.Dropped() {
					_ = c.send(Message{Type: "dropped", SubscriptionID: c.sub.ID})
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !stream.Visible(c.caller, ev) {
				continue
			}
			if err := c.send(Message{Type: string(ev.Type), Event: &ev}); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
