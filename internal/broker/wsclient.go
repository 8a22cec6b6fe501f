package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
	writeWait  = 10 * time.Second
)

// WSClient is a Broker backed by a remote websocket endpoint. It maintains
// the connection in a daemon loop with exponential backoff and replays
// subscriptions after every reconnect. Outbound messages go through the same
// bounded drop-oldest queue the in-process Bus uses, so a dead link never
// blocks the orchestrator.
type WSClient struct {
	url        string
	logger     *zap.Logger
	onOverflow OverflowFunc // may be nil

	mu       sync.Mutex
	conn     *websocket.Conn
	outbound []Envelope
	closed   bool

	wake     chan struct{}
	stopChan chan struct{}

	// Inbound dispatch is delegated to an embedded Bus so subscription
	// semantics are identical either way.
	local *Bus
}

type wsSubscribeFrame struct {
	Op      string `json:"op"`
	Pattern string `json:"pattern"`
}

// NewWSClient connects a broker client to url and starts its connection
// daemon. The client is usable immediately; messages published before the
// first successful dial are queued.
func NewWSClient(url string, queueSize int, onOverflow OverflowFunc, logger *zap.Logger) *WSClient {
	c := &WSClient{
		url:        url,
		logger:     logger,
		onOverflow: onOverflow,
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		local:      NewBus(queueSize, onOverflow, logger),
	}
	go c.connectionLoop()
	go c.writeLoop()
	return c
}

// Publish queues the envelope for delivery to the remote broker.
func (c *WSClient) Publish(env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("broker client is closed")
	}
	var dropped *Envelope
	if len(c.outbound) >= c.local.queueSize {
		d := c.outbound[0]
		c.outbound = c.outbound[1:]
		dropped = &d
	}
	c.outbound = append(c.outbound, env)
	c.mu.Unlock()

	if dropped != nil {
		c.logger.Sugar().Warnf("Outbound queue full, dropped oldest message on topic %s.", dropped.Topic)
		if c.onOverflow != nil {
			c.onOverflow(dropped.Topic, *dropped)
		}
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers a local handler and tells the remote side to forward
// the pattern. The registration survives reconnects.
func (c *WSClient) Subscribe(pattern string, handler Handler) (Subscription, error) {
	sub, err := c.local.Subscribe(pattern, handler)
	if err != nil {
		return nil, err
	}
	c.sendSubscribe(pattern)
	return sub, nil
}

// Close stops the connection daemon and closes the socket.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopChan)
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	return c.local.Close()
}

// connectionLoop is a daemon that keeps the websocket connected, backing off
// exponentially between attempts.
func (c *WSClient) connectionLoop() {
	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			d := bo.Duration()
			c.logger.Sugar().Warnf("Broker dial failed: %v. Retrying in %s...", err, d)
			select {
			case <-time.After(d):
				continue
			case <-c.stopChan:
				return
			}
		}
		bo.Reset()
		c.logger.Sugar().Infof("Connected to broker at %s.", c.url)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.resubscribeAll(conn)

		// readPump blocks until the connection breaks.
		if err := c.readPump(conn); err != nil {
			c.logger.Sugar().Warnf("Broker connection lost: %v. Reconnecting...", err)
		}

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *WSClient) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-c.stopChan:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Sugar().Warnf("Failed to decode broker message: %v", err)
			continue
		}
		c.local.Publish(env)
	}
}

// writeLoop drains the outbound queue whenever a connection is available.
func (c *WSClient) writeLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.outbound) == 0 || c.conn == nil {
				c.mu.Unlock()
				break
			}
			env := c.outbound[0]
			conn := c.conn

			data, err := json.Marshal(env)
			if err != nil {
				// Undeliverable by construction, discard it.
				c.outbound = c.outbound[1:]
				c.mu.Unlock()
				c.logger.Sugar().Errorf("Failed to encode envelope for topic %s: %v", env.Topic, err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Leave the message queued, reconnect will retry it.
				c.mu.Unlock()
				c.logger.Sugar().Warnf("Broker write failed: %v", err)
				break
			}
			c.outbound = c.outbound[1:]
			c.mu.Unlock()
		}
	}
}

func (c *WSClient) resubscribeAll(conn *websocket.Conn) {
	c.local.mu.RLock()
	patterns := make([]string, 0, len(c.local.subs))
	for sub := range c.local.subs {
		patterns = append(patterns, sub.pattern)
	}
	c.local.mu.RUnlock()

	for _, p := range patterns {
		frame, _ := json.Marshal(wsSubscribeFrame{Op: "subscribe", Pattern: p})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Sugar().Warnf("Failed to resubscribe %q: %v", p, err)
			return
		}
	}

	// Kick the writer in case messages piled up while disconnected.
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *WSClient) sendSubscribe(pattern string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return // connectionLoop will replay the subscription on dial
	}

	frame, _ := json.Marshal(wsSubscribeFrame{Op: "subscribe", Pattern: pattern})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Sugar().Warnf("Failed to send subscribe for %q: %v", pattern, err)
	}
}
