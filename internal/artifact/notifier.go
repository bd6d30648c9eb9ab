package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MimeLyc/slice-gateway/pkg/log"
)

// Notifier tells the file lister that a new file exists in its root.
type Notifier interface {
	NotifyNewFile(ctx context.Context, res *Result) error
}

// LogNotifier only logs. It fits file listers that watch the directory
// themselves.
type LogNotifier struct{}

func (LogNotifier) NotifyNewFile(_ context.Context, res *Result) error {
	log.InfoFields(log.Fields{
		"filename": res.Filename,
		"path":     res.Path,
		"size":     res.Size,
	}, "New file available")
	return nil
}

// FileEvent is the webhook payload.
type FileEvent struct {
	Action   string `json:"action"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Root     string `json:"root"`
	Size     int64  `json:"size"`
}

const defaultNotifyTimeout = 5 * time.Second

// WebhookNotifier POSTs a create_file event to the file lister.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: defaultNotifyTimeout}
	}
	return &WebhookNotifier{url: url, httpClient: client}
}

func (n *WebhookNotifier) NotifyNewFile(ctx context.Context, res *Result) error {
	payload, err := json.Marshal(FileEvent{
		Action:   "create_file",
		Path:     res.Filename,
		Filename: res.Filename,
		Root:     "gcodes",
		Size:     res.Size,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal file event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
	}
	log.Debug("Notified %s about %s", n.url, res.Filename)
	return nil
}

// NewNotifier picks the webhook notifier when url is set.
func NewNotifier(url string) Notifier {
	if url == "" {
		return LogNotifier{}
	}
	return NewWebhookNotifier(url, nil)
}
