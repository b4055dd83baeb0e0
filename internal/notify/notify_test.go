package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/notify"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
)

type recorder struct {
	mu   sync.Mutex
	reqs []push.NotifyRequest
}

func (r *recorder) Notify(_ context.Context, req push.NotifyRequest) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []push.NotifyRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]push.NotifyRequest(nil), r.reqs...)
}

func message(from, to, text string) map[string]any {
	return map[string]any{"text": text, "from": from, "to": to, "timestamp": realtime.ServerTimestamp, "status": "sent"}
}

func TestPushesOnlyToOfflineRecipients(t *testing.T) {
	tree := storage.NewTree(memory.New(), storage.Options{})
	t.Cleanup(func() { tree.Close() })
	rec := &recorder{}
	w := notify.New(tree, rec)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	sys := tree.System()
	if err := sys.Set(ctx, "status/bob", map[string]any{"state": "online", "last_changed": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := sys.Push(ctx, "chats/alice_bob/messages", message("alice", "bob", "online hi")); err != nil {
		t.Fatal(err)
	}
	// carol не в сети (записи нет)
	id, err := sys.Push(ctx, "chats/alice_carol/messages", message("alice", "carol", "offline hi"))
	if err != nil {
		t.Fatal(err)
	}
	// правка полей не считается новым сообщением
	if err := sys.Update(ctx, "chats/alice_carol/messages/"+id, map[string]any{"status": "read"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("pushes = %+v", got)
	}
	if got[0].UserID != "carol" || got[0].Title != "alice" || got[0].Body != "offline hi" {
		t.Fatalf("push = %+v", got[0])
	}
	if got[0].Data["chat_id"] != "alice_carol" || got[0].Data["message_id"] != id {
		t.Fatalf("push data = %v", got[0].Data)
	}
	if w.Dropped() != 0 {
		t.Fatalf("dropped = %d", w.Dropped())
	}
}
