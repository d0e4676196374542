package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"slices"
	"time"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Desktop bool   `json:"desktop"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
	// Statuses selects which terminal statuses notify. Empty means FAILED.
	Statuses []execution.Status `json:"statuses,omitempty"`
}

// Notifier fires desktop notifications and optional webhook POSTs when an
// execution finishes in a watched status.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = []execution.Status{execution.StatusFailed}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Broadcast implements events.Broadcaster. Deliveries run in the background.
func (n *Notifier) Broadcast(e events.Event) {
	if !n.wants(e) {
		return
	}
	go n.Notify(e)
}

func (n *Notifier) wants(e events.Event) bool {
	return n.cfg.Enabled &&
		e.Type == events.TypeTerminalized &&
		slices.Contains(n.cfg.Statuses, e.Status)
}

// Notify delivers a notification for a terminalized execution synchronously.
func (n *Notifier) Notify(e events.Event) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.Desktop {
		n.sendSystemNotification(summary(e))
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(e)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(e)
	}
}

func title(e events.Event) string {
	if e.TaskName != "" {
		return e.TaskName
	}
	return e.ExecutionID
}

func summary(e events.Event) string {
	msg := fmt.Sprintf("%s %s", title(e), e.Status)
	if e.Error != "" {
		msg += ": " + e.Error
	}
	return msg
}

func (n *Notifier) sendSystemNotification(msg string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("osascript", "-e", fmt.Sprintf(`display notification %q with title "execwatch"`, msg))
	case "linux":
		cmd = exec.Command("notify-send", "execwatch", msg)
	default:
		return
	}
	if err := cmd.Run(); err != nil {
		n.logger.Debug("desktop notification failed", "err", err)
	}
}

type webhookPayload struct {
	ExecutionID string `json:"executionId"`
	TaskID      string `json:"taskId,omitempty"`
	TaskName    string `json:"taskName,omitempty"`
	AgentName   string `json:"agentName,omitempty"`
	Status      string `json:"status"`
	Inferred    bool   `json:"inferred"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(e events.Event) {
	payload := webhookPayload{
		ExecutionID: e.ExecutionID,
		TaskID:      e.TaskID,
		TaskName:    e.TaskName,
		AgentName:   e.AgentName,
		Status:      string(e.Status),
		Inferred:    e.Inferred,
		Error:       e.Error,
		Timestamp:   e.At.UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(e events.Event) {
	msg := e.ExecutionID
	if e.AgentName != "" {
		msg = fmt.Sprintf("%s · %s", e.AgentName, e.ExecutionID)
	}
	if e.Error != "" {
		msg += "\n" + e.Error
	}
	payload := ntfyPayload{
		Title:    fmt.Sprintf("%s %s", title(e), e.Status),
		Message:  msg,
		Priority: 4,
		Tags:     []string{"rotating_light"},
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(kind, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn(kind+" encode failed", "err", err)
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn(kind+" post failed", "url", url, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn(kind+" post rejected", "url", url, "status", resp.StatusCode)
	}
}
