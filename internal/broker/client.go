package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pseudocoder/livesync/internal/protocol"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	readWait     = 60 * time.Second
)

// client is one WebSocket connection to the relay.
type client struct {
	conn *websocket.Conn

	// send holds encoded envelopes for writePump.
	send chan []byte

	// done is closed to shut the connection down. writePump flushes what
	// is already queued, then sends a close frame.
	done     chan struct{}
	sendOnce sync.Once

	server  *Server
	limiter *rate.Limiter

	// sessionID comes from the request path. role, id and name are set by
	// the handshake in readPump and never change afterwards.
	sessionID string
	addr      string
	role      protocol.Role
	id        string
	name      string
}

func (c *client) participantID() string { return c.id }

func (c *client) displayName() string { return c.name }

// closeSend signals the client to shut down exactly once.
func (c *client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) close() { c.closeSend() }

// deliver queues data without blocking. A peer whose buffer is full is
// disconnected rather than skipped.
func (c *client) deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		log.Printf("broker: %s %s is not keeping up, disconnecting", c.role, c.id)
		c.closeSend()
		return false
	}
}

// deliverMsg encodes and queues one envelope.
func (c *client) deliverMsg(msg any) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("broker: %v", err)
		return false
	}
	return c.deliver(data)
}

// writePump sends queued envelopes and keeps the connection alive with
// periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush what is already queued (handshake errors,
			// session-ended) before the close frame.
			for {
				select {
				case data := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("broker: write error: %v", err)
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

// readPump handles the role handshake and then routes every envelope.
func (c *client) readPump() {
	defer func() {
		c.server.disconnect(c)
		c.closeSend()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageBytes)
	// The first envelope must arrive within the handshake timeout.
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.HandshakeTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("broker: read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		if c.role == "" {
			if !c.server.handshake(c, data) {
				return
			}
			continue
		}

		// Over-limit senders are slowed down, never dropped.
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.server.route(c, data)
	}
}
