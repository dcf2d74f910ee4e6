package httpapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/doctalk/internal/config"
	"github.com/ent0n29/doctalk/internal/observability"
	"github.com/ent0n29/doctalk/internal/protocol"
)

const closeGrace = time.Second

// clientConn owns the browser websocket. Only writeLoop writes data frames;
// control frames go through WriteControl, which is safe alongside it.
type clientConn struct {
	conn    *websocket.Conn
	out     chan any
	metrics *observability.Metrics

	maxMessageBytes int64
	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeTimeout    time.Duration

	closed     chan struct{}
	writerDone chan struct{}
	once       sync.Once
	closeErr   error
}

func newClientConn(conn *websocket.Conn, out chan any, cfg config.Config, metrics *observability.Metrics) *clientConn {
	c := &clientConn{
		conn:            conn,
		out:             out,
		metrics:         metrics,
		maxMessageBytes: cfg.WSMaxMessageBytes,
		pingInterval:    cfg.WSPingInterval,
		pongTimeout:     cfg.WSPongTimeout,
		writeTimeout:    cfg.WSWriteTimeout,
		closed:          make(chan struct{}),
		writerDone:      make(chan struct{}),
	}
	if c.maxMessageBytes <= 0 {
		c.maxMessageBytes = 50 << 20
	}
	if c.pingInterval <= 0 {
		c.pingInterval = 20 * time.Second
	}
	if c.pongTimeout <= 0 {
		c.pongTimeout = 20 * time.Second
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 10 * time.Second
	}
	return c
}

// readLoop pushes every text frame into inbound and closes it when the
// client goes away.
func (c *clientConn) readLoop(inbound chan<- []byte) {
	defer close(inbound)

	c.conn.SetReadLimit(c.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pongTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case inbound <- data:
		case <-c.closed:
			return
		}
	}
}

// writeLoop drains out until it is closed. After a failed write it keeps
// draining so senders never block on a dead socket.
func (c *clientConn) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	broken := false
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if broken {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				broken = true
				_ = c.conn.Close()
				continue
			}
			if t, ok := protocol.FrameType(msg); ok {
				c.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
			}
		case <-ticker.C:
			if broken {
				continue
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
				broken = true
				_ = c.conn.Close()
			}
		}
	}
}

// Close flushes queued frames, sends a close frame and closes the socket.
// It must only be called once nothing sends on out anymore.
func (c *clientConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		close(c.out)
		select {
		case <-c.writerDone:
		case <-time.After(c.writeTimeout):
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
