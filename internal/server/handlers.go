package server

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/scribelabs/sessionnotes/internal/auth"
	"github.com/scribelabs/sessionnotes/internal/pipeline"
	"github.com/scribelabs/sessionnotes/internal/sessions"
)

const identityKey = "identity"

// authRequired resolves the caller's identity from the Authorization header or
// the token query parameter and aborts with 401 when neither verifies.
func (s *Server) authRequired(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}

	id, err := s.verifier.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	c.Set(identityKey, id)
	c.Next()
}

func callerIdentity(c *gin.Context) auth.Identity {
	id, _ := c.MustGet(identityKey).(auth.Identity)
	return id
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createSession accepts a multipart recording upload, persists the session
// record, and starts the processing pipeline in the background.
func (s *Server) createSession(c *gin.Context) {
	id := callerIdentity(c)

	file, err := c.FormFile("recording")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recording file is required"})
		return
	}

	sessionID := uuid.NewString()
	objectKey := "sessions/" + sessionID + "/recording" + filepath.Ext(file.Filename)

	tmp, err := os.CreateTemp("", "recording-*"+filepath.Ext(file.Filename))
	if err != nil {
		slog.Error("Failed to create staging file", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store recording"})
		return
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := c.SaveUploadedFile(file, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		slog.Error("Failed to stage uploaded recording", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store recording"})
		return
	}

	sess := &sessions.Session{
		ID:           sessionID,
		Owner:        id.Subject,
		PatientLabel: c.PostForm("patient_label"),
		RecordingKey: objectKey,
	}
	if err := s.sessions.Create(c.Request.Context(), sess); err != nil {
		_ = os.Remove(tmpPath)
		slog.Error("Failed to create session record", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	s.driver.Start(pipeline.Job{
		ID:            sessionID,
		SessionID:     sessionID,
		RecordingPath: tmpPath,
		ObjectKey:     objectKey,
	})

	slog.Info("Session created", "sessionId", sessionID, "owner", id.Subject)
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sessionID,
		"status":     "accepted",
		"message":    "Processing started",
	})
}

// getSession returns a session owned by the caller.
func (s *Server) getSession(c *gin.Context) {
	id := callerIdentity(c)
	sessionID := c.Param("id")

	sess, err := s.sessions.Get(c.Request.Context(), sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		slog.Error("Failed to load session", "sessionId", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	if sess.Owner != id.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed to view this session"})
		return
	}

	c.JSON(http.StatusOK, sess)
}

// listSessions returns a page of the caller's sessions.
func (s *Server) listSessions(c *gin.Context) {
	id := callerIdentity(c)

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	list, total, err := s.sessions.List(c.Request.Context(), id.Subject, limit, offset)
	if err != nil {
		slog.Error("Failed to list sessions", "owner", id.Subject, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if list == nil {
		list = []*sessions.Session{}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": list,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// streamEvents serves the session's progress over Server-Sent Events.
func (s *Server) streamEvents(c *gin.Context) {
	s.streamer.ServeSSE(c, callerIdentity(c), c.Param("id"))
}

// streamWS serves the session's progress over a WebSocket. Identity is
// resolved here rather than in middleware so authentication failures can be
// reported with a close code on the upgraded connection.
func (s *Server) streamWS(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}

	var identity *auth.Identity
	if id, err := s.verifier.Verify(token); err == nil {
		identity = &id
	}

	s.streamer.ServeWS(c, identity, c.Param("id"))
}
