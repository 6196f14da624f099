package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agile-defense/radarsot/pkg/messages"
	"github.com/agile-defense/radarsot/pkg/sim"
)

// WebSocketMessage is the frame exchanged with live clients
type WebSocketMessage struct {
	Type          string          `json:"type"`
	RunID         string          `json:"run_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Frame types. Clients send subscribe/unsubscribe with a Subscription payload.
const (
	MessageTypeTrackReport  = messages.TypeTrackReport
	MessageTypeRunCompleted = messages.TypeRunCompleted
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
)

// Subscription narrows what a client receives. Empty lists match everything.
type Subscription struct {
	Topics []string `json:"topics,omitempty"`
	Runs   []string `json:"runs,omitempty"`
}

// filter is the per-client view of its subscriptions
type filter struct {
	mu     sync.RWMutex
	topics map[string]bool
	runs   map[string]bool
}

func newFilter() *filter {
	return &filter{topics: make(map[string]bool), runs: make(map[string]bool)}
}

func (f *filter) apply(sub Subscription, add bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range sub.Topics {
		if add {
			f.topics[t] = true
		} else {
			delete(f.topics, t)
		}
	}
	for _, r := range sub.Runs {
		if add {
			f.runs[r] = true
		} else {
			delete(f.runs, r)
		}
	}
}

func (f *filter) matches(msg WebSocketMessage) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.topics) > 0 && !f.topics[msg.Type] {
		return false
	}
	if len(f.runs) > 0 && !f.runs[msg.RunID] {
		return false
	}
	return true
}

// liveClient is one connected viewer
type liveClient struct {
	id     string
	conn   *websocket.Conn
	out    chan WebSocketMessage
	filter *filter
}

// WebSocketHub fans track reports and run summaries out to live clients
type WebSocketHub struct {
	clients   map[string]*liveClient
	broadcast chan WebSocketMessage
	join      chan *liveClient
	leave     chan *liveClient
	done      chan struct{}
	mu        sync.RWMutex
	logger    zerolog.Logger
	nc        *nats.Conn
	sub       *nats.Subscription
}

// NewWebSocketHub creates a hub. nc may be nil, in which case frames only
// arrive through Broadcast and HubSink.
func NewWebSocketHub(nc *nats.Conn, logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:   make(map[string]*liveClient),
		broadcast: make(chan WebSocketMessage, 256),
		join:      make(chan *liveClient),
		leave:     make(chan *liveClient),
		done:      make(chan struct{}),
		logger:    logger.With().Str("component", "websocket_hub").Logger(),
		nc:        nc,
	}
}

// Run serves joins, leaves and broadcasts until ctx is cancelled
func (h *WebSocketHub) Run(ctx context.Context) {
	if h.nc != nil {
		h.relayNATS()
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", c.id).Int("total_clients", total).Msg("Viewer connected")

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.out)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", c.id).Int("total_clients", total).Msg("Viewer disconnected")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *WebSocketHub) deliver(msg WebSocketMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.filter.matches(msg) {
			continue
		}
		select {
		case c.out <- msg:
		default:
			h.logger.Warn().Str("client_id", c.id).Str("run_id", msg.RunID).Msg("Viewer too slow, dropping frame")
		}
	}
}

// natsMessageType maps a radar subject to the frame type
func natsMessageType(subject string) string {
	if strings.HasSuffix(subject, ".run.completed") {
		return MessageTypeRunCompleted
	}
	return MessageTypeTrackReport
}

// relayNATS forwards every radar subject. Reports and summaries both carry
// run_id at the top level.
func (h *WebSocketHub) relayNATS() {
	subject := messages.SubjectPrefix + ".>"
	sub, err := h.nc.Subscribe(subject, func(m *nats.Msg) {
		var head struct {
			RunID    string `json:"run_id"`
			Envelope struct {
				CausationID string `json:"causation_id"`
			} `json:"envelope"`
		}
		if err := json.Unmarshal(m.Data, &head); err != nil {
			h.logger.Debug().Err(err).Str("subject", m.Subject).Msg("Skipping undecodable radar message")
			return
		}
		h.Broadcast(WebSocketMessage{
			Type:          natsMessageType(m.Subject),
			RunID:         head.RunID,
			Payload:       m.Data,
			Timestamp:     time.Now().UTC(),
			CorrelationID: head.Envelope.CausationID,
		})
	})
	if err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("Failed to subscribe to radar subjects")
		return
	}
	h.sub = sub
	h.logger.Info().Str("subject", subject).Msg("Relaying radar subjects")
}

func (h *WebSocketHub) shutdown() {
	close(h.done)
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}

	h.mu.Lock()
	for id, c := range h.clients {
		close(c.out)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	h.logger.Info().Msg("WebSocket hub stopped")
}

// Broadcast queues a frame for every matching client. Frames are dropped
// when the queue is full.
func (h *WebSocketHub) Broadcast(msg WebSocketMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("message_type", msg.Type).Str("run_id", msg.RunID).Msg("Broadcast queue full")
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubSink is a sim.Sink that broadcasts records straight to the hub. The
// agent uses it when no NATS connection feeds the hub.
type HubSink struct {
	hub    *WebSocketHub
	source string
}

// NewHubSink creates a sink broadcasting as source
func NewHubSink(hub *WebSocketHub, source string) *HubSink {
	return &HubSink{hub: hub, source: source}
}

// Name implements sim.Named
func (s *HubSink) Name() string { return "websocket" }

// Begin implements sim.Sink
func (s *HubSink) Begin(context.Context, sim.RunInfo) error { return nil }

// Emit implements sim.Sink
func (s *HubSink) Emit(_ context.Context, _ int, records []sim.Record) error {
	for _, r := range records {
		if err := s.send(MessageTypeTrackReport, r.RunID, messages.NewTrackReport(s.source, r)); err != nil {
			return err
		}
	}
	return nil
}

// End implements sim.Sink
func (s *HubSink) End(_ context.Context, summary sim.Summary) error {
	return s.send(MessageTypeRunCompleted, summary.RunID, messages.NewRunReport(s.source, summary))
}

func (s *HubSink) send(msgType, runID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.hub.Broadcast(WebSocketMessage{
		Type:      msgType,
		RunID:     runID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// WebSocketHandler upgrades /ws requests and attaches them to the hub
type WebSocketHandler struct {
	hub            *WebSocketHub
	originPatterns []string
	logger         zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler. originPatterns lists the
// cross-origin hosts allowed to connect.
func NewWebSocketHandler(hub *WebSocketHub, logger zerolog.Logger, originPatterns ...string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:            hub,
		originPatterns: originPatterns,
		logger:         logger.With().Str("handler", "websocket").Logger(),
	}
}

// ServeHTTP accepts the connection. A run query parameter subscribes the
// client to that run only.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to accept WebSocket connection")
		return
	}

	c := &liveClient{
		id:     uuid.New().String(),
		conn:   conn,
		out:    make(chan WebSocketMessage, 64),
		filter: newFilter(),
	}
	if run := r.URL.Query().Get("run"); run != "" {
		c.filter.apply(Subscription{Runs: []string{run}}, true)
	}

	select {
	case h.hub.join <- c:
	case <-h.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
}

// writeLoop drains the client queue and keeps the connection alive
func (h *WebSocketHandler) writeLoop(ctx context.Context, c *liveClient) {
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		var msg WebSocketMessage
		select {
		case <-ctx.Done():
			return
		case m, ok := <-c.out:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "connection closed")
				return
			}
			msg = m
		case <-keepalive.C:
			msg = WebSocketMessage{Type: MessageTypePing, Timestamp: time.Now().UTC()}
		}

		wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(wctx, c.conn, msg)
		wcancel()
		if err != nil {
			h.logger.Debug().Err(err).Str("client_id", c.id).Str("type", msg.Type).Msg("Write failed")
			return
		}
	}
}

// readLoop handles control frames until the client goes away
func (h *WebSocketHandler) readLoop(ctx context.Context, c *liveClient) {
	defer func() {
		select {
		case h.hub.leave <- c:
		case <-h.hub.done:
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var msg WebSocketMessage
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Read error")
			}
			return
		}

		switch msg.Type {
		case MessageTypePong:
		case MessageTypeSubscribe, MessageTypeUnsubscribe:
			var sub Subscription
			if err := json.Unmarshal(msg.Payload, &sub); err != nil {
				h.reject(ctx, c, "invalid subscription: "+err.Error())
				continue
			}
			c.filter.apply(sub, msg.Type == MessageTypeSubscribe)
		default:
			h.reject(ctx, c, "unknown message type "+msg.Type)
		}
	}
}

// reject answers a bad control frame. Conn writes are safe alongside writeLoop.
func (h *WebSocketHandler) reject(ctx context.Context, c *liveClient, reason string) {
	payload, _ := json.Marshal(map[string]string{"message": reason})
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg := WebSocketMessage{Type: MessageTypeError, Payload: payload, Timestamp: time.Now().UTC()}
	if err := wsjson.Write(wctx, c.conn, msg); err != nil {
		h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to send error frame")
	}
}
