package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"buildforge/internal/jobs"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Width(5)

	typeStyle = lipgloss.NewStyle().
			Bold(true).
			Width(18)

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	doneStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

var tailOpts struct {
	server string
	token  string
	after  int64
}

var tailCmd = &cobra.Command{
	Use:   "tail JOB_ID",
	Short: "Follow a job's event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := tailOpts.token
		if token == "" {
			token = os.Getenv("BUILDFORGE_TOKEN")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return tail(ctx, cmd.OutOrStdout(), tailOpts.server, token, args[0], tailOpts.after)
	},
}

func init() {
	f := tailCmd.Flags()
	f.StringVar(&tailOpts.server, "server", "http://localhost:8080", "buildforge base URL")
	f.StringVar(&tailOpts.token, "token", "", "access token (defaults to $BUILDFORGE_TOKEN)")
	f.Int64Var(&tailOpts.after, "after", 0, "resume after this event sequence number")
	rootCmd.AddCommand(tailCmd)
}

// tail streams the job's events to w until the server ends the stream
func tail(ctx context.Context, w io.Writer, server, token, jobID string, after int64) error {
	url := fmt.Sprintf("%s/api/jobs/%s/stream", strings.TrimRight(server, "/"), jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if after > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprint(after))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var frame struct {
			jobs.Event
			Status jobs.Status `json:"status"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			fmt.Fprintln(w, warningStyle.Render("unreadable frame: "+data))
			continue
		}
		if frame.Type == "stream_end" {
			fmt.Fprintln(w, renderEnd(frame.Status))
			return nil
		}
		fmt.Fprintln(w, renderEvent(frame.Event))
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func renderEvent(e jobs.Event) string {
	style := typeStyle
	switch e.Type {
	case jobs.EventError:
		style = style.Foreground(lipgloss.Color("196"))
	case jobs.EventJobCompleted, jobs.EventArtifactReady:
		style = style.Foreground(lipgloss.Color("42"))
	default:
		style = style.Foreground(lipgloss.Color("205"))
	}

	line := seqStyle.Render(fmt.Sprint(e.Seq)) +
		style.Render(string(e.Type)) +
		progressStyle.Render(fmt.Sprintf("%3d%% ", e.Payload.Progress)) +
		e.Message
	if e.Payload.DownloadURL != "" {
		line += " " + progressStyle.Render(e.Payload.DownloadURL)
	}
	return line
}

func renderEnd(status jobs.Status) string {
	msg := "stream ended: " + string(status)
	switch status {
	case jobs.StatusSuccess:
		return doneStyle.Render(msg)
	case jobs.StatusFailed:
		return errorStyle.Render(msg)
	default:
		return warningStyle.Render(msg)
	}
}
