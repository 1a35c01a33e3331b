// Package transport is the endpoint side of the relay connection: a
// WebSocket addressed by session id that carries whole envelopes in both
// directions.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
)

const (
	// sendBufferSize bounds envelopes queued for the write pump.
	sendBufferSize = 256

	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	readWait     = 60 * time.Second

	// DefaultMaxMessageBytes matches the broker default; snapshots of whole
	// files travel in one envelope.
	DefaultMaxMessageBytes = 8 << 20
)

// Dialer opens relay connections.
type Dialer struct {
	// BaseURL is the broker root, e.g. ws://127.0.0.1:7171.
	BaseURL string

	// HandshakeTimeout bounds the WebSocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration

	// MaxMessageBytes caps inbound envelopes. Zero means DefaultMaxMessageBytes.
	MaxMessageBytes int64

	// TLSConfig is used for wss:// brokers. Nil uses the system roots.
	TLSConfig *tls.Config
}

// SessionURL returns the connection URL for sessionID.
func (d Dialer) SessionURL(sessionID string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse broker url %q: %w", d.BaseURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("broker url %q: unsupported scheme %q", d.BaseURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("broker url %q has no host", d.BaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/session/" + url.PathEscape(sessionID)
	return u.String(), nil
}

// Dial connects to the relay for sessionID. The returned Conn is live; the
// role handshake is up to the caller.
func (d Dialer) Dial(ctx context.Context, sessionID string) (*Conn, error) {
	target, err := d.SessionURL(sessionID)
	if err != nil {
		return nil, apperrors.DialFailed(d.BaseURL, err)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wsDialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		TLSClientConfig:  d.TLSConfig,
	}
	ws, _, err := wsDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, apperrors.DialFailed(target, err)
	}

	limit := d.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	return newConn(ws, limit), nil
}

// Conn is one relay connection. Send is safe for concurrent use.
type Conn struct {
	ws *websocket.Conn

	send     chan []byte
	incoming chan []byte

	// quit is closed by Close; done is closed once the read side ends.
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
	writeDone chan struct{}

	mu  sync.Mutex
	err error
}

func newConn(ws *websocket.Conn, limit int64) *Conn {
	c := &Conn{
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		incoming:  make(chan []byte, sendBufferSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump(limit)
	return c
}

// Send encodes msg and queues it. It blocks while the queue is full and
// fails once the connection is closed.
func (c *Conn) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.quit:
		return apperrors.TransportClosed(c.Err())
	case <-c.done:
		return apperrors.TransportClosed(c.Err())
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.quit:
		return apperrors.TransportClosed(c.Err())
	case <-c.done:
		return apperrors.TransportClosed(c.Err())
	}
}

// Messages delivers inbound envelopes. It is closed when the connection ends.
func (c *Conn) Messages() <-chan []byte { return c.incoming }

// Done is closed when the connection ends, for whatever reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Close flushes envelopes already queued, sends a close frame and waits
// briefly for the connection to end.
func (c *Conn) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.writeDone:
	case <-time.After(writeWait):
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
		c.ws.Close()
	}
	return nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	write := func(data []byte) bool {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.setErr(err)
			c.ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-c.quit:
			for {
				select {
				case data := <-c.send:
					if !write(data) {
						return
					}
					continue
				default:
				}
				break
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.done:
			return

		case data := <-c.send:
			if !write(data) {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.setErr(err)
				c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) readPump(limit int64) {
	defer func() {
		c.ws.Close()
		close(c.incoming)
		close(c.done)
	}()

	c.ws.SetReadLimit(limit)
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
				// Local close; not an error.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("transport: read error: %v", err)
				}
				c.setErr(err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readWait))

		select {
		case c.incoming <- data:
		case <-c.quit:
			return
		}
	}
}
