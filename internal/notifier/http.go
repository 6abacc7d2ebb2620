// Package notifier доставляет события смены стадии слою рассылок.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/journey-engine/internal/model"
)

const stageChangedPath = "/api/journey/stage-changed"

// RateLimitedError возвращается, если получатель ответил 429.
type RateLimitedError struct {
	Delay time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("messaging layer rate limited, retry after %s", e.Delay)
}

// RetryAfter возвращает паузу, запрошенную получателем.
func (e *RateLimitedError) RetryAfter() time.Duration {
	return e.Delay
}

// HTTPClient инкапсулирует HTTP-взаимодействие со слоем рассылок.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient создаёт клиент слоя рассылок по указанному адресу.
func NewHTTPClient(baseURL string) *HTTPClient {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &HTTPClient{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Publish отправляет событие смены стадии. Любой ответ кроме 2xx считается ошибкой.
func (c *HTTPClient) Publish(ctx context.Context, ev model.StageChanged) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("messaging client not configured")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stageChangedPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)

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
		return &RateLimitedError{Delay: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
