package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/rules"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
)

func newTreeServer(t *testing.T) http.Handler {
	t.Helper()
	tree := storage.NewTree(memory.New(), storage.Options{Rules: rules.New()})
	t.Cleanup(func() { tree.Close() })
	r := chi.NewRouter()
	// X-User заменяет JWT в тестах
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), r.Header.Get("X-User"))))
		})
	})
	r.Route("/api/tree", NewTreeHandler(tree).Routes)
	return r
}

func do(h http.Handler, method, user, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User", user)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTreeHandlerStatus(t *testing.T) {
	h := newTreeServer(t)

	if rec := do(h, http.MethodPut, "alice", "/api/tree/status/alice", `{"state":"online","last_changed":1}`); rec.Code != http.StatusNoContent {
		t.Fatalf("put own status: %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, http.MethodPut, "bob", "/api/tree/status/alice", `{"state":"offline"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("put foreign status: %d", rec.Code)
	}
	if rec := do(h, http.MethodPatch, "alice", "/api/tree/status/alice", `"offline"`); rec.Code != http.StatusBadRequest {
		t.Fatalf("patch with scalar: %d", rec.Code)
	}
	if rec := do(h, http.MethodPut, "alice", "/api/tree/status/alice", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rec.Code)
	}

	rec := do(h, http.MethodGet, "bob", "/api/tree/status/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var snap realtime.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Child("state").Value != "online" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if rec := do(h, http.MethodDelete, "alice", "/api/tree/status/alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
}

func TestTreeHandlerMessages(t *testing.T) {
	h := newTreeServer(t)
	const msgs = "/api/tree/chats/alice_bob/messages"

	var keys []string
	for i, ts := range []string{"1700000000000", "1700000005000"} {
		body := `{"text":"m` + string(rune('0'+i)) + `","from":"alice","to":"bob","timestamp":` + ts + `,"status":"sent"}`
		rec := do(h, http.MethodPost, "alice", msgs, body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("post %d: %d %s", i, rec.Code, rec.Body)
		}
		var out struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.Key == "" {
			t.Fatalf("post response %s: %v", rec.Body, err)
		}
		keys = append(keys, out.Key)
	}

	if rec := do(h, http.MethodGet, "carol", msgs, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider read: %d", rec.Code)
	}
	if rec := do(h, http.MethodPatch, "bob", msgs+"/missing", `{"status":"read"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("patch absent message: %d", rec.Code)
	}
	if rec := do(h, http.MethodPatch, "bob", msgs+"/"+keys[0], `{"status":"read"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: %d %s", rec.Code, rec.Body)
	}

	rec := do(h, http.MethodGet, "bob", msgs+"?orderBy=timestamp&limitToLast=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ordered get: %d", rec.Code)
	}
	var snap realtime.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Order) != 1 || snap.Order[0] != keys[1] {
		t.Fatalf("order = %v, want [%s]", snap.Order, keys[1])
	}
}
