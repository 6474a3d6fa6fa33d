package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/scribelabs/sessionnotes/internal/progress"
	"github.com/scribelabs/sessionnotes/internal/sessions"
	"github.com/scribelabs/sessionnotes/internal/storage"
)

// Transcriber converts a session recording into a transcript. Implementations
// may report their own progress as a 0-100 percentage through onProgress.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, onProgress func(percent int)) (string, error)
}

// NoteExtractor produces a clinical note from a transcript.
type NoteExtractor interface {
	Extract(ctx context.Context, transcript string) (string, error)
}

// Stage-to-percent mapping: upload occupies the low range, transcription the
// middle, extraction the remainder.
const (
	percentQueued            = 0
	percentUploading         = 10
	percentTranscribingStart = 15
	percentTranscribingEnd   = 55
	percentTranscribed       = 60
	percentExtracting        = 80
)

// Job identifies one processing run of an uploaded recording.
type Job struct {
	ID            string
	SessionID     string
	RecordingPath string
	ObjectKey     string
}

// Driver orchestrates the pipeline stages for a job and is the sole writer of
// progress state. It runs each job once and reports the outcome; retry policy,
// if any, belongs to the collaborators.
type Driver struct {
	Progress    *progress.Store
	Sessions    *sessions.Store
	Recordings  storage.Storage
	Transcriber Transcriber
	Extractor   NoteExtractor
	Timeout     time.Duration
}

// Start registers the job as queued and launches the pipeline run in the
// background. Registration happens synchronously so observers can subscribe
// before the first stage begins.
func (d *Driver) Start(job Job) {
	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageQueued,
		Percent: percentQueued,
		Message: "Recording queued for processing",
	})

	go d.run(job)
}

func (d *Driver) run(job Job) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("Starting pipeline run", "jobId", job.ID, "sessionId", job.SessionID)

	if err := d.storeRecording(ctx, job); err != nil {
		d.fail(ctx, job, progress.StageUploading, "storing the recording failed", err)
		return
	}

	transcript, err := d.transcribe(ctx, job)
	if err != nil {
		d.fail(ctx, job, progress.StageTranscribing, "transcription failed", err)
		return
	}

	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageTranscribed,
		Percent: percentTranscribed,
		Message: "Transcript ready",
	})

	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageExtracting,
		Percent: percentExtracting,
		Message: "Extracting clinical note",
	})

	note, err := d.Extractor.Extract(ctx, transcript)
	if err != nil {
		d.fail(ctx, job, progress.StageExtracting, "note extraction failed", err)
		return
	}

	if err := d.Sessions.SetResult(ctx, job.SessionID, transcript, note); err != nil {
		d.fail(ctx, job, progress.StageExtracting, "saving the results failed", err)
		return
	}

	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageProcessed,
		Percent: 100,
		Message: "Processing completed successfully",
	})
	slog.Info("Pipeline run completed", "jobId", job.ID, "sessionId", job.SessionID)
}

func (d *Driver) storeRecording(ctx context.Context, job Job) error {
	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageUploading,
		Percent: percentUploading,
		Message: "Storing recording",
	})

	f, err := os.Open(job.RecordingPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	defer os.Remove(job.RecordingPath)

	if err := d.Recordings.Save(ctx, job.ObjectKey, f); err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

func (d *Driver) transcribe(ctx context.Context, job Job) (string, error) {
	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageTranscribing,
		Percent: percentTranscribingStart,
		Message: "Transcribing recording",
	})

	audio, err := d.Recordings.Open(ctx, job.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("open stored recording: %w", err)
	}
	defer audio.Close()

	started := time.Now()
	onProgress := func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}

		// Map collaborator progress into the transcribing range.
		span := percentTranscribingEnd - percentTranscribingStart
		mapped := percentTranscribingStart + percent*span/100

		eta := 0
		if percent > 0 && percent < 100 {
			elapsed := time.Since(started)
			eta = int(elapsed.Seconds() * float64(100-percent) / float64(percent))
		}

		d.Progress.Publish(job.ID, progress.State{
			Stage:                     progress.StageTranscribing,
			Percent:                   mapped,
			Message:                   fmt.Sprintf("Transcribing recording (%d%%)", percent),
			EstimatedSecondsRemaining: eta,
		})
	}

	transcript, err := d.Transcriber.Transcribe(ctx, audio, onProgress)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return transcript, nil
}

// fail publishes the terminal failed state exactly once, with a redacted
// summary. Raw collaborator errors can contain transcript content and never
// reach progress messages; they go to the server log only.
func (d *Driver) fail(ctx context.Context, job Job, stage progress.Stage, summary string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		summary = "processing was cancelled"
	}
	slog.Error("Pipeline run failed", "jobId", job.ID, "sessionId", job.SessionID, "stage", stage, "error", err)

	d.Progress.Publish(job.ID, progress.State{
		Stage:   progress.StageFailed,
		Message: "Processing failed",
		Error:   summary,
	})

	if dbErr := d.Sessions.SetFailed(context.WithoutCancel(ctx), job.SessionID, summary); dbErr != nil {
		slog.Error("Failed to record session failure", "sessionId", job.SessionID, "error", dbErr)
	}
}
