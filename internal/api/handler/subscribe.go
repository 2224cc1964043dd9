package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	mw "github.com/melodia-app/melodia/internal/api/middleware"
	"github.com/melodia-app/melodia/internal/api/response"
	"github.com/melodia-app/melodia/internal/songgen"
	"github.com/melodia-app/melodia/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 512
)

// upgrader performs the HTTP -> WebSocket handshake. Origin checks are
// skipped: access is authorized by bearer token, not by cookie.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewSubscribeHandler returns an http.HandlerFunc for GET /api/v1/tasks/{taskID}/ws.
//
// The connection always starts with the task's current state read from the
// store, then streams every update published for the task. Subscribing to a
// task already in a terminal state replays that state once and closes. The
// subscription is registered before the initial read, so an update racing
// the handshake is delivered rather than lost; the client may see a state
// twice but never misses one.
func NewSubscribeHandler(tasks TaskReader, hub *songgen.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		task, status, code, msg := fetchOwnedTask(r, tasks, userID)
		if task == nil {
			response.Error(w, status, code, msg, nil)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error to the client.
			slog.Warn("websocket upgrade failed", "task_id", task.ID, "error", err)
			return
		}
		defer conn.Close()

		if task.Status.Terminal() {
			if writeSnapshot(conn, task.Snapshot()) == nil {
				closeNormally(conn)
			}
			return
		}

		sub := hub.Subscribe(task.ID)
		defer sub.Cancel()

		fresh, err := tasks.GetTask(r.Context(), task.ID)
		if err != nil {
			slog.Error("resyncing subscriber", "task_id", task.ID, "error", err)
			return
		}
		if writeSnapshot(conn, fresh.Snapshot()) != nil {
			return
		}
		if fresh.Status.Terminal() {
			closeNormally(conn)
			return
		}

		gone := make(chan struct{})
		go readUntilClose(conn, gone)

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case snap, open := <-sub.C:
				if !open {
					return
				}
				if writeSnapshot(conn, snap) != nil {
					return
				}
				if snap.Status.Terminal() {
					closeNormally(conn)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap models.TaskSnapshot) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(snap)
}

func closeNormally(conn *websocket.Conn) {
	deadline := time.Now().Add(wsWriteWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// readUntilClose drains inbound frames so pong handlers run and client
// closes are noticed. The stream is server -> client only.
func readUntilClose(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
