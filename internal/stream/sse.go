package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scribelabs/sessionnotes/internal/auth"
	"github.com/scribelabs/sessionnotes/internal/progress"
)

// ServeSSE streams progress for one job as server-sent events. It re-reads
// the latest state on every poll tick and emits only when the state changed,
// interleaving comment keepalives so proxies do not drop the connection. The
// loop ends on terminal state or client disconnect.
func (s *Streamer) ServeSSE(c *gin.Context, id auth.Identity, jobID string) {
	if !s.Auth.CanObserve(c.Request.Context(), id, jobID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	last, err := s.Store.Latest(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("job not found: %s", jobID)})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	if err := s.writeEvent(c, last); err != nil {
		return
	}
	if last.Stage.Terminal() {
		return
	}

	poll := time.NewTicker(s.PollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(s.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()

		case <-poll.C:
			st, err := s.Store.Latest(jobID)
			if err != nil {
				slog.Debug("Job disappeared mid-stream", "jobId", jobID)
				return
			}
			if st.UpdatedAt.Equal(last.UpdatedAt) {
				continue
			}
			last = st
			if err := s.writeEvent(c, st); err != nil {
				return
			}
			if st.Stage.Terminal() {
				return
			}
		}
	}
}

func (s *Streamer) writeEvent(c *gin.Context, st progress.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventName(st), data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
