package rtclient_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/rtclient"
	"github.com/chatsync/internal/rules"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/ws"
)

const secret = "test-secret"

type env struct {
	url     string
	tree    *storage.Tree
	stopHub context.CancelFunc
	hubDone <-chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tree := storage.NewTree(memory.New(), storage.Options{Rules: rules.New()})
	hub := ws.NewHub(tree, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	r := chi.NewRouter()
	r.With(middleware.JWTAuth(secret)).Get("/ws", handler.NewWSHandler(hub, "*").ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		<-hubDone
		srv.Close()
		tree.Close()
	})
	return &env{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tree:    tree,
		stopHub: cancel,
		hubDone: hubDone,
	}
}

func (e *env) dial(t *testing.T, uid string) *rtclient.Client {
	t.Helper()
	token, err := middleware.IssueToken(secret, uid, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c, err := rtclient.Dial(t.Context(), e.url, token)
	if err != nil {
		t.Fatalf("dial %s: %v", uid, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDialRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	_, err := rtclient.Dial(t.Context(), e.url, "garbage")
	if !errors.Is(err, realtime.ErrPermissionDenied) {
		t.Fatalf("dial with bad token: %v", err)
	}
}

func TestMessageStreamOverWire(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.dial(t, "alice"), e.dial(t, "bob")
	ctx := t.Context()

	var (
		mu   sync.Mutex
		seen []model.Message
	)
	sb := chat.NewStream(bob, "bob", "alice", chat.Options{})
	unsub, err := sb.Subscribe(ctx, func(msgs []model.Message, err error) {
		if err != nil {
			t.Errorf("bob stream: %v", err)
			return
		}
		mu.Lock()
		seen = msgs
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	sa := chat.NewStream(alice, "alice", "bob", chat.Options{})
	first, err := sa.Append(ctx, model.Text{Body: "hi bob"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sa.Append(ctx, model.Audio{URL: "voice.ogg", Duration: 3}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob sees both messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	got := seen
	mu.Unlock()
	if got[0].ID != first.ID || got[0].Text() != "hi bob" || got[0].Timestamp == 0 {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Preview() != "Voice message (3s)" {
		t.Fatalf("second preview = %q", got[1].Preview())
	}

	// bob отмечает прочтение, alice видит статус
	if err := bob.Update(ctx, chat.MessagePath(sb.ChatID(), first.ID), map[string]any{"status": "read"}); err != nil {
		t.Fatal(err)
	}
	m, err := sa.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.MessageStatusRead {
		t.Fatalf("status = %s", m.Status)
	}

	last, err := alice.Query(ctx, realtime.At(chat.MessagesPath(sa.ChatID())).OrderBy("timestamp").Last(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Order) != 1 || last.Order[0] != got[1].ID {
		t.Fatalf("last order = %v", last.Order)
	}
}

func TestErrorsKeepTheirKind(t *testing.T) {
	e := newEnv(t)
	bob := e.dial(t, "bob")
	ctx := t.Context()

	if err := bob.Set(ctx, "status/alice", map[string]any{"state": "online"}); !errors.Is(err, realtime.ErrPermissionDenied) {
		t.Fatalf("foreign status write: %v", err)
	}
	if _, err := bob.Get(ctx, "chats/alice_carol/messages"); !errors.Is(err, realtime.ErrPermissionDenied) {
		t.Fatalf("foreign chat read: %v", err)
	}
	if err := bob.Set(ctx, "status/bob/a.b", true); !errors.Is(err, realtime.ErrInvalidPath) {
		t.Fatalf("invalid key: %v", err)
	}
	if err := bob.Update(ctx, chat.MessagePath("alice_bob", "nope"), map[string]any{"status": "read"}); !errors.Is(err, realtime.ErrNotFound) {
		t.Fatalf("update of absent message: %v", err)
	}
	if _, err := bob.Subscribe(ctx, realtime.At("chats/alice_carol/messages"), func(realtime.Snapshot, error) {}); !errors.Is(err, realtime.ErrPermissionDenied) {
		t.Fatalf("foreign subscribe: %v", err)
	}
}

func TestOnDisconnectRunsWhenClientLeaves(t *testing.T) {
	e := newEnv(t)
	alice, bob := e.dial(t, "alice"), e.dial(t, "bob")
	ctx := t.Context()

	var (
		mu    sync.Mutex
		state model.PresenceState
	)
	unsub, err := chat.WatchPresence(ctx, bob, "alice", func(p model.Presence) {
		mu.Lock()
		state = p.State
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	current := func() model.PresenceState {
		mu.Lock()
		defer mu.Unlock()
		return state
	}

	if err := chat.NewPresence(alice, "alice").Start(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice online", func() bool { return current() == model.PresenceOnline })

	if err := alice.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	eventually(t, "alice offline", func() bool { return current() == model.PresenceOffline })

	if err := alice.Set(ctx, "status/alice", map[string]any{"state": "online"}); !errors.Is(err, realtime.ErrDisconnected) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestConnectionLossFailsListenersOnce(t *testing.T) {
	e := newEnv(t)
	bob := e.dial(t, "bob")
	ctx := t.Context()

	var (
		mu   sync.Mutex
		errs []error
	)
	_, err := bob.Subscribe(ctx, realtime.At("status/alice"), func(_ realtime.Snapshot, err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	e.stopHub()
	select {
	case <-bob.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the lost connection")
	}
	eventually(t, "listener error", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], realtime.ErrDisconnected) {
		t.Fatalf("listener errors = %v", errs)
	}
	if err := bob.Set(ctx, "status/bob", map[string]any{"state": "online"}); !errors.Is(err, realtime.ErrDisconnected) {
		t.Fatalf("write after loss: %v", err)
	}
}

// Клиентов больше, чем буфер unregister у хаба.
func TestHubShutdownWritesPresenceForManyClients(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	const n = 100
	uids := make([]string, n)
	for i := range uids {
		uids[i] = fmt.Sprintf("user%03d", i)
		c := e.dial(t, uids[i])
		if err := chat.NewPresence(c, uids[i]).Start(ctx); err != nil {
			t.Fatalf("presence %s: %v", uids[i], err)
		}
	}

	e.stopHub()
	select {
	case <-e.hubDone:
	case <-time.After(5 * time.Second):
		t.Fatal("hub.Run did not return after shutdown")
	}

	for _, uid := range uids {
		v, err := e.tree.Read(ctx, chat.StatusPath(uid))
		if err != nil {
			t.Fatal(err)
		}
		rec, _ := v.(map[string]any)
		if rec["state"] != string(model.PresenceOffline) {
			t.Fatalf("%s after shutdown: %v", uid, v)
		}
	}
}
