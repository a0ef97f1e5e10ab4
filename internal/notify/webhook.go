// Package notify доставляет уведомления пользователям: сохраняет их в хранилище
// и, если настроен адрес, отправляет во внешний webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/agromarket/internal/model"
)

// WebhookClient инкапсулирует HTTP-взаимодействие с внешним получателем уведомлений.
type WebhookClient struct {
	baseURL    string
	httpClient *http.Client
}

// Payload описывает тело запроса к webhook.
type Payload struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	Kind      string  `json:"kind"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	OrderIDs  []int64 `json:"order_ids,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// ThrottledError возвращается, если получатель ответил 429.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("webhook throttled, retry after %s", e.RetryAfter)
}

// NewWebhookClient создаёт клиент для указанного адреса.
func NewWebhookClient(baseURL string) *WebhookClient {
	return &WebhookClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send отправляет уведомление POST-запросом на <адрес>/api/notifications.
func (c *WebhookClient) Send(ctx context.Context, n model.Notification) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("webhook client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(Payload{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		OrderIDs:  n.OrderIDs,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &ThrottledError{RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
