package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// wsConn is one signaling WebSocket. It implements relay.Channel.
type wsConn struct {
	srv     *Server
	id      relay.ConnID
	conn    *websocket.Conn
	limiter *ratelimit.MessageLimiter

	send chan []byte
	// done is closed once the relay has forgotten the connection.
	done chan struct{}

	closeOnce sync.Once
}

var _ relay.Channel = (*wsConn)(nil)

// Send enqueues ev without blocking. It is called with the relay lock held.
func (c *wsConn) Send(ev relay.Event) bool {
	data, err := encodeEvent(ev)
	if err != nil {
		c.srv.log.Error("encode signaling event", "conn_id", c.id, "event", ev.Type, "err", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConn) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.srv.metrics.Inc(metrics.IdleTimeout)
				c.srv.log.Debug("signaling connection idle", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		c.extendDeadline()

		// Rate limiting runs after the read so bytes already received are
		// consumed; closing with unread data risks a RST that hides the close
		// frame from the client.
		switch c.limiter.Allow() {
		case ratelimit.Drop:
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			continue
		case ratelimit.Close:
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.srv.metrics.Inc(metrics.RateLimitHardClose)
			c.srv.log.Info("closing rate limited signaling connection", "conn_id", c.id)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			c.dropMalformed(errors.New("expected text message"))
			continue
		}
		msg, err := parseInboundMessage(data)
		if err != nil {
			c.dropMalformed(err)
			continue
		}
		if err := msg.apply(c.srv.relay, c.id); err != nil {
			// The relay has already counted and logged the drop.
			continue
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
}

func (c *wsConn) dropMalformed(err error) {
	c.srv.metrics.Inc(metrics.DropReasonMalformed)
	c.srv.log.Debug("signaling message dropped", "conn_id", c.id, "reason", metrics.DropReasonMalformed, "err", err)
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// shutdown unregisters the connection and stops the write pump. Frames still
// queued are discarded.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.srv.relay.Disconnect(c.id)
		close(c.done)
		_ = c.conn.Close()
		c.srv.log.Debug("signaling connection closed", "conn_id", c.id)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
