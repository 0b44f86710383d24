// Package notify delivers reminder text back to the user's session through a
// webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

var log = slog.Default()

// Dependency is the resilience dependency name for delivery.
const Dependency = "notify"

// ActionSend is the action deferred reminders run.
const ActionSend = "notify.send"

// Message is the webhook body.
type Message struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Webhook posts messages to a configured URL. With no URL configured,
// messages are only logged.
type Webhook struct {
	url  string
	http *http.Client
	now  func() time.Time
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg config.NotifyConfig, hc *http.Client) *Webhook {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Webhook{url: cfg.WebhookURL, http: hc, now: time.Now}
}

// Send delivers one message.
func (w *Webhook) Send(ctx context.Context, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errmodel.Fatal(Dependency, errors.New("empty notification"))
	}
	if w.url == "" {
		log.Info("notification (no webhook configured)", "session", sessionID, "text", text)
		return nil
	}
	body, err := json.Marshal(Message{SessionID: sessionID, Text: text, SentAt: w.now().UTC()})
	if err != nil {
		return errmodel.Fatal(Dependency, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errmodel.Fatal(Dependency, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return errmodel.Classify(Dependency, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return errmodel.FromHTTPStatus(Dependency, resp.StatusCode, string(msg))
	}
	return nil
}

// Handler returns the notify.send action. It reads "text", "lang" and
// "session_id" and delivers the text as a reminder.
func (w *Webhook) Handler() handler.Handler {
	return handler.NewFunc(ActionSend, Dependency, func(ctx context.Context, in handler.Input) (handler.Output, error) {
		text := in.String("text")
		if strings.TrimSpace(text) == "" {
			return nil, errmodel.Fatal(Dependency, errors.New("empty notification"))
		}
		text = Reminder(in.String("lang"), text)
		if err := w.Send(ctx, in.String("session_id"), text); err != nil {
			return nil, err
		}
		return handler.Output{handler.KeyText: text, "delivered": true}, nil
	})
}

// Reminder wraps the text of a due reminder so it reads as one.
func Reminder(lang, text string) string {
	if lang == "ru" {
		return fmt.Sprintf("Напоминание: %s", text)
	}
	return fmt.Sprintf("Reminder: %s", text)
}
