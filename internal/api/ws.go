package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"buildforge/internal/jobs"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxMessage   = 4096
	wsReadDeadline = 90 * time.Second
)

func newUpgrader(production bool, origins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || !production {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// clientMessage is what a WebSocket client may send
type clientMessage struct {
	Type string `json:"type"`
}

// JobSocket carries the same event stream as StreamJob over a WebSocket,
// one JSON text message per event. Clients may send {"type":"cancel"}.
func (s *Server) JobSocket(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	after, ok := resumeSeq(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.ForJob(job.ID).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	m := metrics.Get()
	m.RecordStreamSubscriber("websocket", 1)
	defer m.RecordStreamSubscriber("websocket", -1)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// gorilla allows one concurrent writer
	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	go s.readSocket(ctx, cancel, conn, job.ID)

	send := func(e jobs.Event) error { return writeJSON(e) }
	ping := func() error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	}

	finished, err := s.follow(ctx, job.ID, after, send, ping)
	if err != nil {
		if ctx.Err() == nil {
			logging.ForJob(job.ID).Warn("websocket stream ended with error", zap.Error(err))
		}
		return
	}
	if finished {
		_ = writeJSON(s.finalState(ctx, job))
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream end"),
			time.Now().Add(wsWriteWait))
		writeMu.Unlock()
	}
}

// readSocket handles client messages and cancels ctx when the peer goes away
func (s *Server) readSocket(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, jobID string) {
	defer cancel()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.ForJob(jobID).Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "cancel" {
			if _, err := s.builds.Cancel(context.WithoutCancel(ctx), jobID); err != nil {
				logging.ForJob(jobID).Warn("websocket cancel failed", zap.Error(err))
			}
		}
	}
}
