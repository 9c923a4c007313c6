package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"voicecircle/native/internal/projector"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// Controller is the projector surface the feed exposes to clients.
type Controller interface {
	Snapshot() projector.Snapshot
	OnChange(fn func(projector.Snapshot))
	Connect(ctx context.Context) error
	Disconnect() error
	Toggle(ctx context.Context) error
	StartListening() error
	StopListening()
	ClearError()
}

// FeedConfig tunes the websocket connections. Browsers may connect from the
// server's own origin or one listed in AllowedOrigins.
type FeedConfig struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	AllowedOrigins []string
}

// Feed pushes projector snapshots to websocket clients and maps their
// frames onto projector intents.
type Feed struct {
	ctx      context.Context
	ctrl     Controller
	cfg      FeedConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*feedConn
}

// NewFeed subscribes to ctrl. ctx bounds connect attempts started by clients.
func NewFeed(ctx context.Context, ctrl Controller, cfg FeedConfig) *Feed {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32768
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	f := &Feed{ctx: ctx, ctrl: ctrl, cfg: cfg, clients: map[string]*feedConn{}}
	f.upgrader = websocket.Upgrader{CheckOrigin: f.checkOrigin}
	ctrl.OnChange(f.broadcast)
	return f
}

type stateFrame struct {
	Type string `json:"type"`
	projector.Snapshot
}

type errorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type intentFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type feedConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *feedConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *feedConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// checkOrigin admits non-browser clients (no Origin header), the same origin
// and the configured allow-list.
func (f *Feed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range f.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	log.Warn().Str("module", "server").Str("origin", origin).Msg("state feed origin rejected")
	return false
}

// Handle upgrades the request and serves the client until it goes away.
func (f *Feed) Handle(c *gin.Context) {
	ws, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "server").Err(err).Msg("ws upgrade")
		return
	}

	conn := &feedConn{id: uuid.NewString(), conn: ws, send: make(chan []byte, 32)}
	f.mu.Lock()
	f.clients[conn.id] = conn
	f.mu.Unlock()
	log.Info().Str("module", "server").Str("client", conn.id).Msg("state feed client connected")

	f.sendJSON(conn, stateFrame{Type: "state", Snapshot: f.ctrl.Snapshot()})

	go f.writePump(conn)
	go f.readPump(conn)
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) broadcast(s projector.Snapshot) {
	b, err := json.Marshal(stateFrame{Type: "state", Snapshot: s})
	if err != nil {
		log.Error().Str("module", "server").Err(err).Msg("broadcast marshal")
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.clients {
		if err := c.TrySend(b); err != nil {
			log.Warn().Str("module", "server").Str("client", c.id).Err(err).Msg("state frame dropped")
		}
	}
}

func (f *Feed) remove(c *feedConn) {
	f.mu.Lock()
	delete(f.clients, c.id)
	f.mu.Unlock()
	c.Close()
}

func (f *Feed) writePump(c *feedConn) {
	ticker := time.NewTicker(f.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Str("module", "server").Err(err).Msg("writePump set deadline")
				f.remove(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Str("module", "server").Err(err).Msg("writePump write error")
				f.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Str("module", "server").Err(err).Msg("ping failed")
				f.remove(c)
				return
			}
		}
	}
}

func (f *Feed) readPump(c *feedConn) {
	defer func() {
		log.Info().Str("module", "server").Str("client", c.id).Msg("state feed client closed")
		f.remove(c)
	}()

	pongWait := f.cfg.PingPeriod * 10 / 9
	c.conn.SetReadLimit(f.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Str("module", "server").Str("client", c.id).Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleIntent(c, data)
	}
}

func (f *Feed) handleIntent(c *feedConn, data []byte) {
	var in intentFrame
	if err := json.Unmarshal(data, &in); err != nil {
		log.Warn().Str("module", "server").Err(err).Msg("bad json")
		f.sendJSON(c, errorFrame{Type: "error", Error: "bad_payload"})
		return
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	log.Debug().Str("module", "server").Str("client", c.id).Str("type", in.Type).Str("request_id", in.RequestID).Msg("intent")

	var err error
	switch in.Type {
	case "connect":
		f.async(c, in.RequestID, f.ctrl.Connect)
	case "toggle":
		f.async(c, in.RequestID, f.ctrl.Toggle)
	case "disconnect":
		err = f.ctrl.Disconnect()
	case "start_listening":
		err = f.ctrl.StartListening()
	case "stop_listening":
		f.ctrl.StopListening()
	case "clear_error":
		f.ctrl.ClearError()
	case "state":
		f.sendJSON(c, stateFrame{Type: "state", Snapshot: f.ctrl.Snapshot()})
	default:
		log.Warn().Str("module", "server").Str("type", in.Type).Msg("unknown intent")
		err = errors.New("unknown intent: " + in.Type)
	}
	if err != nil {
		f.sendJSON(c, errorFrame{Type: "error", Error: err.Error(), RequestID: in.RequestID})
	}
}

// async runs a blocking intent without stalling the read pump.
func (f *Feed) async(c *feedConn, requestID string, fn func(context.Context) error) {
	go func() {
		if err := fn(f.ctx); err != nil {
			f.sendJSON(c, errorFrame{Type: "error", Error: err.Error(), RequestID: requestID})
		}
	}()
}

func (f *Feed) sendJSON(c *feedConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "server").Err(err).Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
