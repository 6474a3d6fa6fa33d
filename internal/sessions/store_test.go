package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:           "s1",
		Owner:        "dr-jones",
		PatientLabel: "Patient A",
		RecordingKey: "recordings/s1.audio",
	}
	require.NoError(t, store.Create(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "dr-jones", got.Owner)
	assert.Equal(t, "Patient A", got.PatientLabel)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Session{ID: "s1", Owner: "dr-jones"}))
	require.NoError(t, store.SetResult(ctx, "s1", "the transcript", "the note"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.Equal(t, "the transcript", got.Transcript)
	assert.Equal(t, "the note", got.Note)
}

func TestSetFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Session{ID: "s1", Owner: "dr-jones"}))
	require.NoError(t, store.SetFailed(ctx, "s1", "transcription failed"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "transcription failed", got.Failure)
}

func TestUpdateNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.SetResult(context.Background(), "missing", "t", "n")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListScopedByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Session{ID: "s1", Owner: "dr-jones"}))
	require.NoError(t, store.Create(ctx, &Session{ID: "s2", Owner: "dr-jones"}))
	require.NoError(t, store.Create(ctx, &Session{ID: "s3", Owner: "dr-smith"}))

	list, total, err := store.List(ctx, "dr-jones", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 2)
	for _, sess := range list {
		assert.Equal(t, "dr-jones", sess.Owner)
	}

	list, total, err = store.List(ctx, "dr-jones", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 1)
}
