package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier is the notification collaborator: best-effort delivery, no
// return value consumed beyond the error.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any) error
}

// HTTPNotifier posts notifications to the notification service.
type HTTPNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (n *HTTPNotifier) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	body, _ := json.Marshal(map[string]any{
		"user_id": userID,
		"type":    eventType,
		"payload": payload,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned %d", resp.StatusCode)
	}
	return nil
}
