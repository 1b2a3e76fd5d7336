package api

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/live"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/query"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxControlMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlMessage is a client to server frame
type controlMessage struct {
	Type string `json:"type"`
}

// statusMessage is one aggregate alarm status update
type statusMessage struct {
	Type   string         `json:"type"`
	Counts map[string]int `json:"counts"`
}

// client is one WebSocket connection
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{conn: conn, send: make(chan []byte, buffer)}
}

// offer queues msg without blocking. It reports false when the client is
// too slow to keep up.
func (c *client) offer(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// push queues msg, waiting for buffer space until ctx is done
func (c *client) push(ctx context.Context, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// writePump drains the send channel to the connection and pings the client.
// It returns when send is closed or a write fails, and calls stop in both
// cases.
func (c *client) writePump(stop func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads control frames until the connection closes, handing
// decoded messages to onControl.
func (c *client) readPump(onControl func(controlMessage)) {
	c.conn.SetReadLimit(maxControlMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed control message")
			continue
		}
		onControl(msg)
	}
}

// handleAlarmSubscribe streams the active alarms matching the request
// filters, then every later change, until the client unsubscribes or
// disconnects.
func (s *Server) handleAlarmSubscribe(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := p.BuildStream()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant := tenantID(r)
	set := s.alarms.For(tenant)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has written the response.
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, s.sendBuffer)
	go c.writePump(cancel)
	go func() {
		c.readPump(func(msg controlMessage) {
			if msg.Type == "unsubscribe" {
				cancel()
			}
		})
		cancel()
	}()

	sub, err := live.Subscribe(ctx, set, d.Match, func(n live.Notification) {
		data, err := json.Marshal(n)
		if err != nil {
			log.Error(err).Msg("Failed to encode notification")
			return
		}
		if n.Type == live.Snapshot {
			c.push(ctx, data)
			return
		}
		if !c.offer(data) {
			log.Warn().Str("tenant", tenant).Msg("Dropping slow alarm subscriber")
			// Safe here: the subscription ends on its own goroutine.
			cancel()
		}
	})
	if err != nil {
		if !errs.IsCancellation(err) {
			log.Error(err).Str("tenant", tenant).Msg("Alarm subscription failed")
		}
		close(c.send)
		return
	}

	s.metrics.LiveSubscriptions.Inc()
	log.Debug().Str("tenant", tenant).Str("subscription", sub.ID.String()).Msg("Alarm subscription started")

	<-sub.Done()
	// Unsubscribe and connection teardown race here; Cancel is idempotent
	// and nothing is forwarded once it returns.
	sub.Cancel()
	close(c.send)

	s.metrics.LiveSubscriptions.Dec()
	log.Debug().Str("tenant", tenant).Str("subscription", sub.ID.String()).Msg("Alarm subscription ended")
}

// handleStatusSubscribe streams the number of active alarms per severity,
// sent once on connect and then whenever it changes.
func (s *Server) handleStatusSubscribe(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	set := s.alarms.For(tenant)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, s.sendBuffer)
	go c.writePump(cancel)
	go func() {
		c.readPump(func(msg controlMessage) {
			if msg.Type == "unsubscribe" {
				cancel()
			}
		})
		cancel()
	}()

	s.metrics.LiveSubscriptions.Inc()
	stop := live.Poll(ctx, s.statusInterval,
		func() map[string]int { return severityCounts(set) },
		func(a, b map[string]int) bool { return maps.Equal(a, b) },
		func(counts map[string]int) {
			data, err := json.Marshal(statusMessage{Type: "STATUS", Counts: counts})
			if err != nil {
				log.Error(err).Msg("Failed to encode status")
				return
			}
			if !c.offer(data) {
				cancel()
			}
		},
	)

	<-ctx.Done()
	stop()
	close(c.send)
	s.metrics.LiveSubscriptions.Dec()
}

// severityCounts returns the number of active alarms per severity name.
// Every severity is present so clients see zeros explicitly.
func severityCounts(set *live.ActiveSet) map[string]int {
	counts := make(map[string]int)
	for sev := query.Info; sev <= query.Severe; sev++ {
		counts[sev.String()] = 0
	}
	for _, r := range set.Snapshot(nil) {
		counts[query.SeverityOf(r).String()]++
	}
	return counts
}
