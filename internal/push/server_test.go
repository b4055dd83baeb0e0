package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string][]Subscription
}

func (m *memStore) Add(_ context.Context, userID string, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[userID] = append(m.subs[userID], sub)
	return nil
}

func (m *memStore) Remove(_ context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Subscription
	for _, s := range m.subs[userID] {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	m.subs[userID] = kept
	return nil
}

func (m *memStore) List(_ context.Context, userID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Subscription(nil), m.subs[userID]...), nil
}

func sub(endpoint string) Subscription {
	var s Subscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func passThrough(next http.Handler) http.Handler { return next }

func TestSubscribeNotifyRoundTrip(t *testing.T) {
	store := &memStore{subs: make(map[string][]Subscription)}
	var (
		mu   sync.Mutex
		sent []string
	)
	send := func(_ context.Context, payload []byte, s Subscription) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, s.Endpoint)
		if s.Endpoint == "https://push.example/gone" {
			return http.StatusGone, nil
		}
		return http.StatusCreated, nil
	}
	r := chi.NewRouter()
	NewServer(store, send, "pub").Routes(r, passThrough)
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := t.Context()
	if err := c.Subscribe(ctx, "u2", sub("https://push.example/a")); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, "u2", sub("https://push.example/gone")); err != nil {
		t.Fatal(err)
	}
	if err := c.Notify(ctx, NotifyRequest{UserID: "u2", Title: "alice", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent = %v", sent)
	}
	left, _ := store.List(ctx, "u2")
	if len(left) != 1 || left[0].Endpoint != "https://push.example/a" {
		t.Fatalf("stale subscription kept: %+v", left)
	}

	if err := c.Unsubscribe(ctx, "u2", "https://push.example/a"); err != nil {
		t.Fatal(err)
	}
	if left, _ := store.List(ctx, "u2"); len(left) != 0 {
		t.Fatalf("subscriptions after unsubscribe: %+v", left)
	}
}

func TestSubscribeValidation(t *testing.T) {
	r := chi.NewRouter()
	NewServer(&memStore{subs: make(map[string][]Subscription)}, nil, "").Routes(r, passThrough)
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if err := c.Subscribe(t.Context(), "u2", Subscription{Endpoint: "x"}); err == nil {
		t.Fatal("subscription without keys accepted")
	}
	resp, err := http.Get(srv.URL + "/api/vapid-public")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("vapid without key: %d", resp.StatusCode)
	}
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("", "")
	if c.Enabled() {
		t.Fatal("client without url enabled")
	}
	if err := c.Notify(t.Context(), NotifyRequest{UserID: "u"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("notify: %v", err)
	}
}
