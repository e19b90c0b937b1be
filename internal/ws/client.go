package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client owns one websocket connection. Reads are processed one at a time
// in the read pump, so events from a single connection are handled in
// order; writes go through a buffered channel drained by the write pump.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	sess   *session.Session
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		sess:   sess,
		logger: logger,
	}
}

func (c *Client) Session() *session.Session { return c.sess }

// enqueue hands a frame to the write pump. A full buffer drops the frame;
// broadcast delivery carries no guarantee.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, frame dropped",
			"conn_id", c.sess.ConnID, "user_id", c.sess.Identity.UserID)
	}
}

// sendEvent delivers an event to this connection only.
func (c *Client) sendEvent(event string, payload any) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		c.logger.Error("event marshal failed", "conn_id", c.sess.ConnID, "event", event, "error", err)
		return
	}
	c.enqueue(frame)
}

// ack converts a handler outcome into the acknowledgement frame for the
// originating event.
func (c *Client) ack(event, message string) {
	c.sendEvent("ack", Ack{Event: event, Message: message})
}

// readPump processes inbound frames until the connection drops. Handler
// errors become acknowledgements; they never crash the loop.
func (c *Client) readPump(ctx context.Context, router *Router) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "conn_id", c.sess.ConnID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.logger.Warn("malformed frame", "conn_id", c.sess.ConnID, "user_id", c.sess.Identity.UserID)
			continue
		}
		router.Dispatch(ctx, c, env)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
