package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
)

const (
	defaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards may be served from any origin
	},
}

var errClientGone = errors.New("websocket client disconnected")

// ProgressMessage is one frame sent to progress clients
type ProgressMessage struct {
	Type      string      `json:"type"` // status, progress, heartbeat, pong
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ProgressWebSocketHandler streams queue events to WebSocket clients
type ProgressWebSocketHandler struct {
	queueMgr  *app.QueueManager
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewProgressWebSocketHandler creates a new progress stream handler.
// heartbeat <= 0 uses 30s.
func NewProgressWebSocketHandler(queueMgr *app.QueueManager, log *zap.Logger, heartbeat time.Duration) *ProgressWebSocketHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &ProgressWebSocketHandler{
		queueMgr:  queueMgr,
		logger:    log,
		heartbeat: heartbeat,
	}
}

// HandleWebSocket handles GET /api/v1/ws/progress. The client first gets
// the queue status, then one progress frame per task event and a heartbeat
// on every tick. A "ping" text frame is answered with a pong frame.
func (h *ProgressWebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Progress client connected", zap.String("remote_addr", c.Request.RemoteAddr))

	if err := h.send(conn, "status", h.queueMgr.Status()); err != nil {
		return
	}

	events := make(chan domain.TaskSnapshot, 64)
	closed := make(chan struct{})
	_, unsubscribe := h.queueMgr.Bus().Subscribe(func(s domain.TaskSnapshot) error {
		select {
		case events <- s:
			return nil
		case <-closed:
			return errClientGone
		}
	})
	defer unsubscribe()
	defer close(closed)

	pings := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if isPing(data) {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case s := <-events:
			err = h.send(conn, "progress", s)
		case <-pings:
			err = h.send(conn, "pong", nil)
		case <-ticker.C:
			err = h.send(conn, "heartbeat", nil)
		case <-done:
			h.logger.Info("Progress client disconnected", zap.String("remote_addr", c.Request.RemoteAddr))
			return
		}
		if err != nil {
			h.logger.Debug("Failed to write progress frame", zap.Error(err))
			return
		}
	}
}

func (h *ProgressWebSocketHandler) send(conn *websocket.Conn, kind string, data interface{}) error {
	payload, err := json.Marshal(ProgressMessage{Type: kind, Data: data, Timestamp: time.Now()})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// isPing accepts both a bare "ping" and {"type":"ping"}
func isPing(data []byte) bool {
	text := strings.TrimSpace(string(data))
	if strings.EqualFold(text, "ping") {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type == "ping"
}
