package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/scribelabs/sessionnotes/internal/auth"
	"github.com/scribelabs/sessionnotes/internal/progress"
)

// Application close codes sent before any state message.
const (
	CloseUnauthenticated = 4401
	CloseUnauthorized    = 4403
	CloseNotFound        = 4404
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS streams progress for one job over a WebSocket. Each published state
// is pushed as one JSON message; pings go out on a timer independent of state
// changes. Access failures close the connection with a distinct code before
// any state message is sent.
func (s *Streamer) ServeWS(c *gin.Context, id *auth.Identity, jobID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "jobId", jobID, "error", err)
		return
	}
	defer conn.Close()

	if id == nil {
		closeWith(conn, CloseUnauthenticated, "authentication required")
		return
	}
	if !s.Auth.CanObserve(c.Request.Context(), *id, jobID) {
		closeWith(conn, CloseUnauthorized, "access denied")
		return
	}

	latest, err := s.Store.Latest(jobID)
	if err != nil {
		closeWith(conn, CloseNotFound, "job not found")
		return
	}

	if latest.Stage.Terminal() {
		if err := conn.WriteJSON(latest); err == nil {
			closeWith(conn, terminalCloseCode(latest), "")
		}
		return
	}

	sub, err := s.Store.Subscribe(jobID)
	if err != nil {
		closeWith(conn, CloseNotFound, "job not found")
		return
	}
	defer s.Store.Unsubscribe(sub)

	// Read pump: we never expect client messages, but reading is how the
	// transport surfaces disconnects.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case st, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := conn.WriteJSON(st); err != nil {
				slog.Debug("WebSocket write failed", "jobId", jobID, "error", err)
				return
			}
			if st.Stage.Terminal() {
				closeWith(conn, terminalCloseCode(st), "")
				return
			}
		}
	}
}

func terminalCloseCode(st progress.State) int {
	if st.Stage == progress.StageFailed {
		return websocket.CloseInternalServerErr
	}
	return websocket.CloseNormalClosure
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
