package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const userAgent = "Montage-Go/0.1.0"

type ntfyNotifier struct {
	endpoint string
	client   *http.Client
}

// NewNtfy returns a notifier posting plain-text messages to an ntfy topic URL.
func NewNtfy(topic string, timeout time.Duration) Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyNotifier{endpoint: strings.TrimSpace(topic), client: &http.Client{Timeout: timeout}}
}

func (n *ntfyNotifier) Name() string { return "ntfy" }

type ntfyMessage struct {
	title    string
	message  string
	tags     []string
	priority string
}

func formatNtfy(event Event) ntfyMessage {
	msg := ntfyMessage{message: event.Summary, tags: []string{"montage"}}
	switch event.Type {
	case EventJobTerminal:
		msg.tags = append(msg.tags, "job", event.Status)
		switch event.Status {
		case "completed":
			msg.title = "Montage - Job Complete"
			msg.message = "✅ " + event.Summary
		case "failed":
			msg.title = "Montage - Job Failed"
			msg.message = "❌ " + event.Summary
			msg.priority = "high"
		default:
			msg.title = "Montage - Job Cancelled"
		}
	case EventBatchTerminal:
		msg.tags = append(msg.tags, "batch", event.Status)
		msg.title = fmt.Sprintf("Montage - Batch %s", titleCase(event.Status))
		if event.Status != "completed" {
			msg.priority = "high"
		}
	case EventApprovalRequired:
		msg.title = "Montage - Review Needed"
		msg.message = "👀 " + event.Summary
		msg.tags = append(msg.tags, "review")
	case EventTest:
		msg.title = "Montage - Test"
		msg.message = "🧪 Notification system test"
		msg.tags = append(msg.tags, "test")
		msg.priority = "low"
	default:
		msg.title = "Montage"
	}
	return msg
}

func (n *ntfyNotifier) Notify(ctx context.Context, event Event) error {
	data := formatNtfy(event)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func titleCase(s string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(s, "_", " "))
}
