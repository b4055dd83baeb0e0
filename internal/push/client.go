package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrDisabled: URL сервиса не задан, пуши отключены.
var ErrDisabled = errors.New("push: disabled")

// Client вызывает микросервис пуш-уведомлений. Если URL пустой — методы возвращают ErrDisabled.
type Client struct {
	http *resty.Client
}

// NewClient создаёт клиент. secret уходит в X-Internal-Secret для /api/notify.
func NewClient(baseURL, secret string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return &Client{}
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	if secret != "" {
		c.SetHeader("X-Internal-Secret", secret)
	}
	return &Client{http: c}
}

func (c *Client) Enabled() bool { return c != nil && c.http != nil }

// Subscription: подписка из браузера (PushManager.getSubscription()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// SubscribeRequest: тело запроса подписки.
type SubscribeRequest struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// NotifyRequest: запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (c *Client) call(ctx context.Context, op, method, path string, body any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Execute(method, path)
	if err != nil {
		return fmt.Errorf("push.%s: %w", op, err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("push.%s: status %d", op, resp.StatusCode())
	}
	return nil
}

// Subscribe сохраняет подписку для userID на push-сервисе.
func (c *Client) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	return c.call(ctx, "Subscribe", http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub})
}

// Unsubscribe удаляет подписку по endpoint.
func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return c.call(ctx, "Unsubscribe", http.MethodDelete, "/api/subscribe", UnsubscribeRequest{UserID: userID, Endpoint: endpoint})
}

// Notify отправляет пуш пользователю.
func (c *Client) Notify(ctx context.Context, req NotifyRequest) error {
	return c.call(ctx, "Notify", http.MethodPost, "/api/notify", req)
}
