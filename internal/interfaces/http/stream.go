package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	streamWait = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamRun handles GET /ws/backtests/{id}. It sends a status frame, waits
// for the run to finish, then streams every daily point followed by a
// summary frame and closes.
func (s *Server) StreamRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.runs.Status(id)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		s.writeError(w, r, http.StatusNotFound, "unknown_run", "No run with id "+id)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("run_id", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	send := func(msg StreamMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("run_id", id).Msg("Websocket client went away")
			return false
		}
		return true
	}

	if !send(StreamMessage{Type: "status", RunID: id, Status: st.Status}) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamWait)
	defer cancel()
	st, err = s.runs.Wait(ctx, id)
	if err != nil {
		send(StreamMessage{Type: "error", RunID: id, Error: err.Error()})
		return
	}
	if st.Status == StatusFailed || st.Result == nil {
		send(StreamMessage{Type: "error", RunID: id, Status: st.Status, Error: st.Error})
		return
	}

	for i := range st.Result.Points {
		if !send(StreamMessage{Type: "point", RunID: id, Point: &st.Result.Points[i]}) {
			return
		}
	}
	send(StreamMessage{
		Type:            "summary",
		RunID:           id,
		Status:          st.Status,
		Metrics:         st.Result.Metrics,
		Diversification: &st.Result.Diversification,
	})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}
