package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// CommandTranscriber shells out to an external speech-to-text command (for
// example whisper-cli). The recording is staged to a temporary file whose path
// is appended to the configured argument list; the transcript is read from
// stdout.
type CommandTranscriber struct {
	Command []string
}

func (t *CommandTranscriber) Transcribe(ctx context.Context, audio io.Reader, onProgress func(percent int)) (string, error) {
	if len(t.Command) == 0 {
		return "", fmt.Errorf("no transcribe command configured")
	}

	tmp, err := os.CreateTemp("", "recording-*.audio")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, audio); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stage recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("stage recording: %w", err)
	}

	args := append(append([]string{}, t.Command[1:]...), tmp.Name())
	cmd := exec.CommandContext(ctx, t.Command[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if onProgress != nil {
		onProgress(0)
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w (stderr: %s)", t.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	if onProgress != nil {
		onProgress(100)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// SummaryExtractor is a built-in note extractor that produces a plain
// sectioned note from the transcript. Production deployments replace it with
// an LLM-backed implementation.
type SummaryExtractor struct{}

func (e *SummaryExtractor) Extract(ctx context.Context, transcript string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", fmt.Errorf("empty transcript")
	}

	summary := transcript
	if idx := strings.IndexAny(summary, ".!?"); idx > 0 && idx < len(summary)-1 {
		summary = summary[:idx+1]
	}

	var b strings.Builder
	b.WriteString("Summary:\n")
	b.WriteString(summary)
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(transcript)
	return b.String(), nil
}
