package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WalletClient talks to the wallet service's debit/credit endpoints. The
// funds-custody ledger behind those endpoints is not our concern; each call
// either moves the money atomically or fails.
type WalletClient struct {
	BaseURL string
	Client  *http.Client
}

func NewWalletClient(baseURL string) *WalletClient {
	return &WalletClient{BaseURL: baseURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WalletClient) Debit(ctx context.Context, userID string, amount float64, idempotencyKey string) (string, error) {
	return w.post(ctx, "/api/v1/wallets/debit", userID, amount, idempotencyKey)
}

func (w *WalletClient) Credit(ctx context.Context, userID string, amount float64, idempotencyKey string) (string, error) {
	return w.post(ctx, "/api/v1/wallets/credit", userID, amount, idempotencyKey)
}

func (w *WalletClient) post(ctx context.Context, path, userID string, amount float64, idempotencyKey string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"user_id":         userID,
		"amount":          amount,
		"idempotency_key": idempotencyKey,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := w.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: wallet returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var out struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return "", fmt.Errorf("%w: %s", ErrDeclined, out.Detail)
	}

	var out struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return out.TransactionID, nil
}
