// Package backend: клиент REST-бэкенда пользователей: вход, регистрация,
// профиль, файлы, контакты и блокировки. Запросы идут через circuit breaker;
// ошибки не повторяются автоматически.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/chatsync/internal/logger"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxFailures: подряд идущие сбои (транспорт, 5xx), после которых breaker размыкается.
	MaxFailures uint32
	// OpenTimeout: сколько breaker остаётся разомкнутым.
	OpenTimeout time.Duration
}

type Client struct {
	base string
	http *resty.Client
	cb   *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	token string
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("backend: circuit %s %s -> %s", name, from, to)
		},
	})
	return &Client{
		base: base,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		cb: cb,
	}
}

// SetToken задаёт bearer-токен для последующих запросов ("" — без авторизации).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FileURL: адрес загруженного файла по имени.
func (c *Client) FileURL(filename string) string {
	return c.base + "/api/file/" + url.PathEscape(filename)
}

type upstreamError struct {
	status int
	body   []byte
}

func (e *upstreamError) Error() string { return fmt.Sprintf("upstream status %d", e.status) }

// do выполняет запрос через breaker. Сбоем breaker считаются только транспорт и 5xx;
// 4xx: ответ бэкенда, он возвращается как *Error.
func (c *Client) do(ctx context.Context, op, method, path string, build func(*resty.Request)) ([]byte, error) {
	defer logger.DeferLogDuration("backend."+op, time.Now())()
	res, err := c.cb.Execute(func() (interface{}, error) {
		req := c.http.R().SetContext(ctx)
		if tok := c.Token(); tok != "" {
			req.SetAuthToken(tok)
		}
		if build != nil {
			build(req)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 500 {
			return nil, &upstreamError{status: resp.StatusCode(), body: resp.Body()}
		}
		return resp, nil
	})
	if err != nil {
		var ue *upstreamError
		if errors.As(err, &ue) {
			return nil, statusError(op, ue.status, ue.body)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("backend.%s: %w", op, err)
		}
		logger.Warnf("backend: %s: %v", op, err)
		return nil, fmt.Errorf("backend.%s: %w: %v", op, ErrUnavailable, err)
	}
	resp := res.(*resty.Response)
	if resp.IsError() {
		return nil, statusError(op, resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// unwrapData снимает конверт {"data": ...}, если он есть.
func unwrapData(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return body
	}
	if d, ok := env["data"]; ok && len(d) > 0 && string(d) != "null" {
		return d
	}
	return body
}

func decode(op string, body []byte, v any) error {
	if err := json.Unmarshal(unwrapData(body), v); err != nil {
		return fmt.Errorf("backend.%s: decode: %w", op, err)
	}
	return nil
}
