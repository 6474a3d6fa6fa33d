package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scribelabs/sessionnotes/internal/auth"
	"github.com/scribelabs/sessionnotes/internal/progress"
)

type authFunc func(jobID string) bool

func (f authFunc) CanObserve(_ context.Context, _ auth.Identity, jobID string) bool {
	return f(jobID)
}

var (
	allowAll = authFunc(func(string) bool { return true })
	denyAll  = authFunc(func(string) bool { return false })
)

type testHarness struct {
	store    *progress.Store
	streamer *Streamer
	server   *httptest.Server
}

func newHarness(t *testing.T, authorizer auth.Authorizer) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := progress.NewStore(time.Minute)
	streamer := &Streamer{
		Store:             store,
		Auth:              authorizer,
		PollInterval:      10 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		PingInterval:      50 * time.Millisecond,
	}

	router := gin.New()
	router.GET("/events/:id", func(c *gin.Context) {
		streamer.ServeSSE(c, auth.Identity{Subject: "viewer"}, c.Param("id"))
	})
	router.GET("/ws/:id", func(c *gin.Context) {
		streamer.ServeWS(c, &auth.Identity{Subject: "viewer"}, c.Param("id"))
	})
	router.GET("/ws-anon/:id", func(c *gin.Context) {
		streamer.ServeWS(c, nil, c.Param("id"))
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return &testHarness{store: store, streamer: streamer, server: server}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Name  string
	State progress.State
}

// readSSE parses events from an event-stream body until it closes.
func readSSE(t *testing.T, r *bufio.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var name string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return events
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var st progress.State
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
				t.Fatalf("Failed to parse event data: %v", err)
			}
			events = append(events, sseEvent{Name: name, State: st})
		}
	}
}

func waitForSubscriber(t *testing.T, store *progress.Store, jobID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.SubscriberCount(jobID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Subscriber count for %s never reached %d", jobID, want)
}
