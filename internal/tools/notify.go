package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// Notification is a message handed to the notification service.
type Notification struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	UserID    string `json:"user_id,omitempty"`
	To        string `json:"to,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (id string, err error)
}

// WebhookNotifier posts notifications as JSON to URL.
type WebhookNotifier struct {
	URL        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) (string, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Run-ID", n.RunID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("notification service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out.ID, nil
}

// LogNotifier only logs notifications.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) (string, error) {
	log.Info(ctx, log.KV{K: "msg", V: "notification"}, log.KV{K: "run_id", V: n.RunID},
		log.KV{K: "to", V: n.To}, log.KV{K: "subject", V: n.Subject})
	return "", nil
}

// NotifyTool sends a notification on behalf of the agent.
type NotifyTool struct {
	Notifier Notifier
}

func (t *NotifyTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "notify",
		Description: "Send a notification to the project's users.",
		JSONSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string", "description": "Optional recipient address."},
				"subject": {"type": "string", "minLength": 1, "maxLength": 200},
				"body": {"type": "string", "minLength": 1}
			},
			"required": ["subject", "body"]
		}`),
	}
}

func (t *NotifyTool) Invoke(ctx context.Context, args json.RawMessage, inv Invocation) (map[string]any, error) {
	var in struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	id, err := t.Notifier.Notify(ctx, Notification{
		ProjectID: inv.ProjectID,
		RunID:     inv.RunID,
		UserID:    inv.UserID,
		To:        in.To,
		Subject:   in.Subject,
		Body:      in.Body,
	})
	if err != nil {
		return nil, Errorf("notify_failed", "%v", err)
	}
	res := map[string]any{"delivered": true}
	if id != "" {
		res["id"] = id
	}
	return res, nil
}
