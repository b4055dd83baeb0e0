package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatsync/internal/config"
)

func TestSessionConfig(t *testing.T) {
	cfg := &config.Config{Session: config.SessionConfig{
		TypingIdle:       2 * time.Second,
		TypingIdleMS:     2000,
		ReadSettleMS:     500,
		TypingTTLSeconds: 30,
		TypingSweepSpec:  "@every 10s",
	}}
	h := NewConfigHandler(cfg)
	rec := httptest.NewRecorder()
	h.GetSessionConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{"typing_idle_ms": 2000, "read_settle_delay_ms": 500, "typing_ttl_seconds": 30}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("unexpected fields: %v", got)
	}

	rec = httptest.NewRecorder()
	h.GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	if rec.Body.String() != "{\"enabled\":false}\n" {
		t.Fatalf("push config = %q", rec.Body)
	}
}
