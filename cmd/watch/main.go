// Command watch follows a session's progress stream and renders it as a
// terminal progress bar. It connects to the server's Server-Sent Events
// endpoint and exits non-zero if processing fails.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"

	"github.com/scribelabs/sessionnotes/internal/progress"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	sessionID := flag.String("session", "", "Session ID to watch")
	token := flag.String("token", "", "Bearer token")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: watch -session <id> [-server <url>] [-token <token>]")
		os.Exit(2)
	}

	if err := watch(*serverURL, *sessionID, *token); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func watch(serverURL, sessionID, token string) error {
	endpoint := strings.TrimRight(serverURL, "/") + "/api/sessions/" + url.PathEscape(sessionID) + "/events"

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 0} // the stream stays open until terminal
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	bar := progressbar.NewOptions(
		100,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription("[cyan]Waiting...[reset]"),
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var st progress.State
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}

			description := fmt.Sprintf("[cyan]%s[reset]", st.Stage)
			if st.EstimatedSecondsRemaining > 0 {
				remaining := time.Duration(st.EstimatedSecondsRemaining) * time.Second
				description = fmt.Sprintf("[cyan]%s[reset] (~%s left)", st.Stage, remaining)
			}
			bar.Describe(description)
			_ = bar.Set(st.Percent)

			switch eventName {
			case "complete":
				fmt.Println()
				fmt.Println("Processing complete.")
				return nil
			case "error":
				fmt.Println()
				return fmt.Errorf("processing failed: %s", st.Error)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended before a terminal state")
}
