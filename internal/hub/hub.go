package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/ptyexpect/expect"
)

const defaultBatchInterval = 100 * time.Millisecond

// Hub fans live session output and step status out to websocket watchers.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan hubBroadcast
	token        string
	logger       *slog.Logger
	mu           sync.RWMutex
	sessions     map[string]SessionInfo
	sessionsMu   sync.RWMutex
	rateLimiter  *RateLimiter
	batchEnabled atomic.Bool
	ctx          atomic.Pointer[context.Context]
	running      atomic.Bool
}

type clientRegistration struct {
	client          *Client
	initialSessions []byte
}

func New(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan hubBroadcast, 256),
		token:      token,
		logger:     logger.With("component", "hub"),
		sessions:   make(map[string]SessionInfo),
	}
	h.batchEnabled.Store(true)
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, func(sessionID string, msg OutputMessage) {
		h.sendBroadcast(sessionID, msg)
	})
	return h
}

func (h *Hub) getContext() context.Context {
	if ctx := h.ctx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.ctx.Store(&ctx)
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.drainBroadcasts()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initialSessions != nil {
				select {
				case reg.client.send <- reg.initialSessions:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			h.logger.Info("watcher connected", "client", reg.client.id, "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("watcher disconnected", "client", client.id, "total", h.ClientCount())

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

// drainBroadcasts hands already-queued messages to clients before shutdown.
func (h *Hub) drainBroadcasts() {
	for {
		select {
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		default:
			return
		}
	}
}

func (h *Hub) broadcastToClients(msg hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsSession(msg.sessionID) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("watcher send buffer full, dropping message", "client", c.id)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	initial, _ := json.Marshal(SessionsMessage{Type: "sessions", List: h.Sessions()})

	select {
	case h.register <- &clientRegistration{client: client, initialSessions: initial}:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

func (h *Hub) BroadcastOutput(msg OutputMessage) {
	if msg.Type == "" {
		msg.Type = "output"
	}
	if h.batchEnabled.Load() {
		h.rateLimiter.Add(msg)
		return
	}
	h.sendBroadcast(msg.SessionID, msg)
}

func (h *Hub) BroadcastStatus(msg StatusMessage) {
	msg.Type = "status"
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}
	// Output queued before this status must reach watchers first.
	h.rateLimiter.flushSession(msg.SessionID)
	h.sendBroadcast(msg.SessionID, msg)
}

func (h *Hub) sendBroadcast(sessionID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: sessionID}:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "session", sessionID)
	}
}

// SetSession adds or updates a session in the list sent to new watchers.
func (h *Hub) SetSession(info SessionInfo) {
	h.sessionsMu.Lock()
	h.sessions[info.ID] = info
	h.sessionsMu.Unlock()
	h.broadcastSessions()
}

func (h *Hub) RemoveSession(id string) {
	h.sessionsMu.Lock()
	delete(h.sessions, id)
	h.sessionsMu.Unlock()
	h.broadcastSessions()
}

// Sessions returns the known sessions ordered by id.
func (h *Hub) Sessions() []SessionInfo {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	list := make([]SessionInfo, 0, len(h.sessions))
	for _, info := range h.sessions {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (h *Hub) broadcastSessions() {
	h.sendBroadcast("", SessionsMessage{Type: "sessions", List: h.Sessions()})
}

// Writer returns an io.Writer that broadcasts everything written to it as
// output of sessionID. It never fails, so it is safe as a diagnostic sink.
func (h *Hub) Writer(sessionID string) io.Writer {
	return &sessionWriter{hub: h, sessionID: sessionID}
}

type sessionWriter struct {
	hub       *Hub
	sessionID string
}

func (w *sessionWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.hub.BroadcastOutput(OutputMessage{
		SessionID: w.sessionID,
		Text:      string(p),
		Ts:        time.Now().UnixMilli(),
	})
	return len(p), nil
}

// RecordStep implements expect.Recorder by publishing a status message.
func (h *Hub) RecordStep(_ context.Context, sessionID string, step expect.Step) {
	msg := StatusMessage{
		SessionID:  sessionID,
		Status:     StatusStep,
		Command:    step.Command,
		MatchIndex: step.MatchIndex,
		Ts:         step.FinishedAt.UnixMilli(),
	}
	if step.Err != nil {
		msg.Status = StatusFailed
		msg.Error = step.Err.Error()
	}
	h.BroadcastStatus(msg)
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Message: message})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SetBatchEnabled switches between coalescing output per session and
// sending every chunk as it arrives. Batching is on by default.
func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) BatchEnabled() bool {
	return h.batchEnabled.Load()
}

func (h *Hub) FlushPendingOutput() {
	h.rateLimiter.FlushAll()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
