package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

// HistoryClient talks to the persistence collaborator. Every endpoint
// answers with the uniform {success, result|error} envelope.
type HistoryClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHistoryClient(baseURL, token string) *HistoryClient {
	return &HistoryClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type restEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *HistoryClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &core.PersistenceError{Op: op, Err: err}
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return &core.PersistenceError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.http.Do(req)
	if err != nil {
		return &core.PersistenceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &core.PersistenceError{Op: op, Status: resp.StatusCode}
	}

	var env restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &core.PersistenceError{Op: op, Err: err}
	}
	if !env.Success {
		return &core.PersistenceError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", env.Error)}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &core.PersistenceError{Op: op, Err: err}
		}
	}
	return nil
}

func (h *HistoryClient) Messages(ctx context.Context, peer domain.UserID) ([]domain.Message, error) {
	var out []domain.Message
	if err := h.do(ctx, "messages", http.MethodGet, "/messages/"+string(peer), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HistoryClient) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := h.do(ctx, "conversations", http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HistoryClient) Notifications(ctx context.Context) ([]domain.Notification, error) {
	var out []domain.Notification
	if err := h.do(ctx, "notifications", http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HistoryClient) MarkRead(ctx context.Context, id string) error {
	return h.do(ctx, "mark_read", http.MethodPut, "/notifications/"+id+"/read", nil, nil)
}

func (h *HistoryClient) MarkAllRead(ctx context.Context) error {
	return h.do(ctx, "mark_all_read", http.MethodPut, "/notifications/read-all", nil, nil)
}

func (h *HistoryClient) DeleteNotification(ctx context.Context, id string) error {
	return h.do(ctx, "delete_notification", http.MethodDelete, "/notifications/"+id, nil, nil)
}

var _ core.HistoryStore = (*HistoryClient)(nil)
