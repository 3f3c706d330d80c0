package controller

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// replayCount is how many recent stream entries a new client receives before live events.
const replayCount = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Event  string `json:"event"`  // event name such as "date.fixed", or "*"
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // event name, "subscribed", "unsubscribed", "info", "error"
	Replay  bool        `json:"replay,omitempty"`
	Payload interface{} `json:"payload"`
}

// eventFilter tracks which progress events a client wants. A new client receives all.
type eventFilter struct {
	mu     sync.RWMutex
	events map[string]bool
}

func newEventFilter() *eventFilter {
	return &eventFilter{events: map[string]bool{"*": true}}
}

func (f *eventFilter) Subscribe(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event] = true
}

func (f *eventFilter) Unsubscribe(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, event)
}

func (f *eventFilter) Wants(event string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.events["*"] || f.events[event]
}

// EventFromChannel extracts the event name from "curtailx:reconcile:<event>".
func EventFromChannel(channel string) string {
	if !strings.HasPrefix(channel, utils.ReconcileChannelPrefix) {
		return ""
	}
	return strings.TrimPrefix(channel, utils.ReconcileChannelPrefix)
}

// HandleWebSocket upgrades the connection and streams reconcile progress events.
//
// On connect the most recent events are replayed from the capped stream, then live events
// from the Redis pattern subscription follow. Clients may narrow the feed with
// {"action":"subscribe","event":"date.fixed"} / {"action":"unsubscribe","event":"*"}.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.Events == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filter := newEventFilter()
	send := make(chan ServerMessage, 256)
	var producers, writer sync.WaitGroup

	guard := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}

	guard(&producers, "subscriber", func() {
		c.replayRecent(ctx, send, filter)
		c.subscribeToRedis(ctx, send, filter)
	})
	guard(&producers, "pinger", func() { c.sendPings(ctx, conn) })
	guard(&writer, "writer", func() { c.writeMessages(conn, send) })

	c.readClientMessages(ctx, conn, cancel, filter, send)

	// send is closed only once every producer has returned.
	producers.Wait()
	close(send)
	writer.Wait()

	c.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// replayRecent sends the tail of the event stream so late joiners see the run so far.
func (c *Controller) replayRecent(ctx context.Context, send chan<- ServerMessage, filter *eventFilter) {
	msgs, err := c.Events.XRecent(ctx, utils.ReconcileEventStream, replayCount)
	if err != nil {
		c.Logger.Warn("Unable to replay recent events", zap.Error(err))
		return
	}
	for _, m := range msgs {
		event, _ := m.Values["event"].(string)
		raw, _ := m.Values["payload"].(string)
		if event == "" || !filter.Wants(event) {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		select {
		case send <- ServerMessage{Type: event, Replay: true, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// subscribeToRedis forwards live events, resubscribing with backoff when Redis drops.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, filter *eventFilter) {
	pattern := utils.ReconcileChannelPattern()

	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := c.attemptRedisSubscription(ctx, pattern, send, filter, attempt)
		if ctx.Err() != nil {
			return
		}
		c.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case send <- ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) attemptRedisSubscription(
	ctx context.Context,
	pattern string,
	send chan<- ServerMessage,
	filter *eventFilter,
	attempt int,
) error {
	pubsub := c.Events.PSubscribe(ctx, pattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	select {
	case send <- ServerMessage{Type: "info", Payload: map[string]interface{}{"message": "subscribed", "attempt": attempt}}:
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.processRedisMessages(ctx, pubsub, send, filter)
}

func (c *Controller) processRedisMessages(ctx context.Context, pubsub *redis.PubSub, send chan<- ServerMessage, filter *eventFilter) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event := EventFromChannel(msg.Channel)
			if event == "" || !filter.Wants(event) {
				continue
			}
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.Logger.Warn("Failed to parse Redis message", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			select {
			case send <- ServerMessage{Type: event, Payload: payload}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// CalculateNextBackoff grows current by factor with +/- jitterFactor jitter, capped at max.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	out := time.Duration(float64(next) + jitter)
	if out < current {
		out = current
	}
	if out > max {
		out = max
	}
	return out
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, filter *eventFilter, send chan<- ServerMessage) {
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	reply := func(m ServerMessage) {
		select {
		case send <- m:
		case <-ctx.Done():
		}
	}

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			return
		}

		if msg.Event == "" {
			reply(ServerMessage{Type: "error", Payload: map[string]string{"message": "event is required"}})
			continue
		}
		switch msg.Action {
		case "subscribe":
			filter.Subscribe(msg.Event)
			reply(ServerMessage{Type: "subscribed", Payload: map[string]string{"event": msg.Event}})
		case "unsubscribe":
			filter.Unsubscribe(msg.Event)
			reply(ServerMessage{Type: "unsubscribed", Payload: map[string]string{"event": msg.Event}})
		default:
			reply(ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}})
		}
	}
}
