package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-orchestrator/internal/models"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrUnavailable     = errors.New("identity service unavailable")
)

// Verifier resolves a bearer token into an actor.
type Verifier interface {
	VerifyActor(ctx context.Context, token string) (models.Actor, error)
}

// Client calls the identity service's whoami endpoint.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Client) VerifyActor(ctx context.Context, token string) (models.Actor, error) {
	if token == "" {
		return models.Actor{}, ErrUnauthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/users/me", nil)
	if err != nil {
		return models.Actor{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return models.Actor{}, ErrUnauthenticated
	case http.StatusForbidden:
		return models.Actor{}, ErrForbidden
	default:
		return models.Actor{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out struct {
		ID   string      `json:"id"`
		Role models.Role `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Actor{}, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return models.Actor{UserID: out.ID, Role: out.Role}, nil
}
