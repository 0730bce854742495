package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
	"github.com/kubilitics/kubilitics-incident/internal/workflow"
)

// WebSocket message types
const (
	MessageTypeSnapshot  = "snapshot"
	MessageTypeEvent     = "event"
	MessageTypeError     = "error"
	MessageTypeComplete  = "complete"
	MessageTypeHeartbeat = "heartbeat"
)

// WSMessage is one frame of the run event stream.
type WSMessage struct {
	Type      string             `json:"type"`
	Run       *models.RunSummary `json:"run,omitempty"`
	Event     *workflow.Event    `json:"event,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// newUpgrader builds an upgrader that only accepts the configured origins.
// Requests without an Origin header come from non-browser clients and are
// allowed; "*" allows everything.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			// Same-host browser requests.
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// wsConnection is one subscribed run stream.
type wsConnection struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// handleRunStream streams run lifecycle events for an incident. The first
// frame is a snapshot of the latest run when one exists; the stream completes
// once the run has finished and its report was handed off.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]
	upgrader := newUpgrader(s.config.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	wsc := &wsConnection{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With(zap.String("fingerprint", fp)),
	}
	metrics.WebSocketConnections.Inc()
	defer func() {
		cancel()
		conn.Close()
		metrics.WebSocketConnections.Dec()
	}()

	// Subscribe before the snapshot so no event falls between them.
	sub := s.deps.Events.Subscribe(fp)
	defer s.deps.Events.Unsubscribe(fp, sub)

	run, err := s.deps.Store.LatestRun(r.Context(), fp)
	switch {
	case err == nil:
		summary := run.Summarize()
		_ = wsc.send(&WSMessage{Type: MessageTypeSnapshot, Run: &summary})
		if run.State.Terminal() && run.DeliveryStatus != models.DeliveryPending {
			_ = wsc.send(&WSMessage{Type: MessageTypeComplete})
			wsc.close()
			return
		}
	case !errors.Is(err, models.ErrRunNotFound):
		_ = wsc.send(&WSMessage{Type: MessageTypeError, Error: err.Error()})
		wsc.close()
		return
	}

	go wsc.readLoop()
	go wsc.heartbeat(s.heartbeat)

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				_ = wsc.send(&WSMessage{Type: MessageTypeComplete})
				wsc.close()
				return
			}
			if err := wsc.send(&WSMessage{Type: MessageTypeEvent, Event: &ev}); err != nil {
				wsc.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop discards client frames and cancels the stream when the peer goes away.
func (wsc *wsConnection) readLoop() {
	defer wsc.cancel()
	for {
		if _, _, err := wsc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wsc.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// heartbeat sends periodic heartbeat frames.
func (wsc *wsConnection) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-ticker.C:
			if err := wsc.send(&WSMessage{Type: MessageTypeHeartbeat}); err != nil {
				wsc.cancel()
				return
			}
		}
	}
}

// send writes a frame to the client.
func (wsc *wsConnection) send(msg *WSMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	wsc.mu.Lock()
	defer wsc.mu.Unlock()

	_ = wsc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wsc.conn.WriteJSON(msg)
}

// close sends a normal closure frame.
func (wsc *wsConnection) close() {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	_ = wsc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
