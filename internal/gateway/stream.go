package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/persistence"
)

const streamWriteTimeout = 5 * time.Second

// streamFrame is one message on /api/v1/stream.
type streamFrame struct {
	Type  string           `json:"type"`
	Topic string           `json:"topic,omitempty"`
	Event *bus.TaskChanged `json:"event,omitempty"`
}

// handleStream upgrades to a WebSocket and forwards task.* bus events.
// ?task_id=T42 limits the stream to one task. The first frame is
// {"type":"ready"} once the subscription is live.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("event bus not configured"))
		return
	}
	var filter int64
	if raw := r.URL.Query().Get("task_id"); raw != "" {
		id, ok := persistence.ParseTaskID(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid task_id: "+raw))
			return
		}
		filter = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: newCORSPolicy(s.cfg.Server.CORS).hostPatterns(),
	})
	if err != nil {
		s.logger.Warn("stream: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("stream: client connected", "task_filter", filter)

	if err := s.writeFrame(ctx, conn, streamFrame{Type: "ready"}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			tc, ok := ev.Payload.(bus.TaskChanged)
			if !ok {
				continue
			}
			if filter != 0 && tc.ID != filter {
				continue
			}
			if err := s.writeFrame(ctx, conn, streamFrame{Type: "task", Topic: ev.Topic, Event: &tc}); err != nil {
				s.logger.Debug("stream: write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
