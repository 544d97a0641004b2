package api

import (
	"net/http"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/core"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer        = 64
	writeWait          = 5 * time.Second
	statusPollInterval = 500 * time.Millisecond
)

// handleEvents streams the progress events of one run over a websocket until
// its terminal event or until the client disconnects
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.svc.Get(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	defer conn.Close()

	bus := s.svc.Events()
	subID := "ws-" + uuid.NewString()
	events := make(chan progress.Event, eventBuffer)
	if err := bus.Subscribe(subID, events); err != nil {
		s.logger.Error("failed to subscribe to progress bus", "run_id", id, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "progress unavailable")
		return
	}
	defer bus.Unsubscribe(subID)

	logger := s.logger.With("run_id", id, "subscriber", subID)
	logger.Debug("event stream opened")

	// Subscribed first, so a run finishing now is caught either way
	if run, ok := s.svc.Get(id); ok && run.Status.Terminal() {
		s.writeEvent(conn, terminalEvent(run))
		closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The subscription drops events when the client lags, the terminal one
	// included, so the run status is polled as well
	ticker := time.NewTicker(s.statusPoll)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			logger.Debug("event stream closed by client")
			return
		case ev := <-events:
			if done, err := s.forward(conn, id, ev); err != nil || done {
				return
			}
		case <-ticker.C:
			run, ok := s.svc.Get(id)
			if ok && !run.Status.Terminal() {
				continue
			}
			for drained := false; !drained; {
				select {
				case ev := <-events:
					if done, err := s.forward(conn, id, ev); err != nil || done {
						return
					}
				default:
					drained = true
				}
			}
			if ok {
				logger.Debug("terminal event missed, sending run status", "status", run.Status)
				s.writeEvent(conn, terminalEvent(run))
			}
			closeWith(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

// forward writes ev if it belongs to run id and closes the stream after a
// terminal event
func (s *Server) forward(conn *websocket.Conn, id string, ev progress.Event) (bool, error) {
	if ev.RunID != id {
		return false, nil
	}
	if err := s.writeEvent(conn, ev); err != nil {
		s.logger.Debug("event stream write failed", "run_id", id, "error", err)
		return false, err
	}
	if ev.Kind.Terminal() {
		closeWith(conn, websocket.CloseNormalClosure, "")
		s.logger.Debug("event stream finished", "run_id", id, "kind", ev.Kind)
		return true, nil
	}
	return false, nil
}

func (s *Server) writeEvent(conn *websocket.Conn, ev progress.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// terminalEvent rebuilds the last event of a run that finished before the stream opened
func terminalEvent(run core.Run) progress.Event {
	ev := progress.Event{
		RunID:     run.ID,
		Kind:      progress.KindCompleted,
		Timestamp: run.FinishedAt,
		Summary:   run.Summary,
	}
	if run.Status == core.StatusFailed {
		ev.Kind = progress.KindFailed
		ev.Error = run.Error
	}
	return ev
}
