package notifications_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"montage/internal/config"
	"montage/internal/notifications"
)

func TestNtfyFormatsEvents(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "job completed",
			event:         notifications.Event{Type: notifications.EventJobTerminal, Status: "completed", Summary: "video job j1 completed"},
			expectTitle:   "Montage - Job Complete",
			expectMessage: "✅ video job j1 completed",
			expectTags:    "montage,job,completed",
		},
		{
			name:           "job failed",
			event:          notifications.Event{Type: notifications.EventJobTerminal, Status: "failed", Summary: "video job j1 failed: boom"},
			expectTitle:    "Montage - Job Failed",
			expectMessage:  "❌ video job j1 failed: boom",
			expectTags:     "montage,job,failed",
			expectPriority: "high",
		},
		{
			name:           "batch partial",
			event:          notifications.Event{Type: notifications.EventBatchTerminal, Status: "partial", Summary: "batch promo partial"},
			expectTitle:    "Montage - Batch Partial",
			expectMessage:  "batch promo partial",
			expectTags:     "montage,batch,partial",
			expectPriority: "high",
		},
		{
			name:          "review",
			event:         notifications.Event{Type: notifications.EventApprovalRequired, Status: "stage_awaiting_approval", Summary: "job j1 stage script awaits review"},
			expectTitle:   "Montage - Review Needed",
			expectMessage: "👀 job j1 stage script awaits review",
			expectTags:    "montage,review",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, _ := io.ReadAll(r.Body)
				captured.body = string(body)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			sink := notifications.NewNtfy(server.URL, 0)
			if err := sink.Notify(context.Background(), tc.event); err != nil {
				t.Fatalf("notify returned error: %v", err)
			}
			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic closed", http.StatusForbidden)
	}))
	defer server.Close()

	err := notifications.NewNtfy(server.URL, 0).Notify(context.Background(), notifications.Event{Type: notifications.EventTest})
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestWebhookSignsBody(t *testing.T) {
	const secret = "s3cret"
	var (
		body      []byte
		signature string
		eventHdr  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(notifications.SignatureHeader)
		eventHdr = r.Header.Get("X-Montage-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	event := notifications.Event{ID: "evt-1", Type: notifications.EventJobTerminal, JobID: "j1", Status: "completed", Summary: "done"}
	if err := notifications.NewWebhook(server.URL, secret, 0).Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !notifications.Verify(body, signature, secret) {
		t.Fatalf("signature %q does not verify", signature)
	}
	if notifications.Verify(body, signature, "other") {
		t.Fatal("signature verified under the wrong secret")
	}
	if eventHdr != notifications.EventJobTerminal {
		t.Fatalf("expected event header %q, got %q", notifications.EventJobTerminal, eventHdr)
	}
	var decoded notifications.Event
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.ID != "evt-1" || decoded.JobID != "j1" {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestWebhookWithoutSecretIsUnsigned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(notifications.SignatureHeader); got != "" {
			t.Errorf("expected no signature, got %q", got)
		}
	}))
	defer server.Close()

	if err := notifications.NewWebhook(server.URL, "", 0).Notify(context.Background(), notifications.Event{ID: "e"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestNewNotifiersFollowsConfig(t *testing.T) {
	cfg := config.Default()
	sinks, err := notifications.NewNotifiers(&cfg)
	if err != nil {
		t.Fatalf("new notifiers: %v", err)
	}
	if len(sinks) != 0 {
		t.Fatalf("expected no sinks by default, got %d", len(sinks))
	}

	cfg.Notifications.NtfyTopic = "https://ntfy.example/montage"
	cfg.Notifications.WebhookURL = "https://hooks.example/montage"
	cfg.Notifications.RedisURL = "redis://localhost:6379/2"
	sinks, err = notifications.NewNotifiers(&cfg)
	if err != nil {
		t.Fatalf("new notifiers: %v", err)
	}
	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if len(names) != 3 || names[0] != "ntfy" || names[1] != "webhook" || names[2] != "redis" {
		t.Fatalf("unexpected sinks %v", names)
	}

	cfg.Notifications.RedisURL = "not a url"
	if _, err := notifications.NewNotifiers(&cfg); err == nil {
		t.Fatal("expected invalid redis url to fail")
	}
}
