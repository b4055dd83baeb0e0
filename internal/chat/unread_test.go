package chat_test

import (
	"testing"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/model"
)

func TestUnreadCount(t *testing.T) {
	msgs := []model.Message{
		{From: "alice", To: "bob", Status: model.MessageStatusSent},
		{From: "alice", To: "bob", Status: model.MessageStatusDelivered},
		{From: "alice", To: "bob", Status: model.MessageStatusRead},
		{From: "bob", To: "alice", Status: model.MessageStatusSent},
	}
	if n := chat.UnreadCount(msgs, "bob"); n != 2 {
		t.Fatalf("bob unread = %d", n)
	}
	if n := chat.UnreadCount(msgs, "alice"); n != 1 {
		t.Fatalf("alice unread = %d", n)
	}
	if n := chat.UnreadCount(nil, "bob"); n != 0 {
		t.Fatalf("empty unread = %d", n)
	}
}

func TestUnreadOpenIsOptimistic(t *testing.T) {
	u := chat.NewUnread("bob")
	type change struct {
		chatID       string
		count, total int
	}
	var changes []change
	u.OnChange(func(chatID string, count, total int) {
		changes = append(changes, change{chatID, count, total})
	})
	pending := []model.Message{{To: "bob", Status: model.MessageStatusSent}, {To: "bob", Status: model.MessageStatusSent}}
	u.Update("alice_bob", pending)
	u.Update("bob_carol", pending[:1])
	if u.Count("alice_bob") != 2 || u.Total() != 3 {
		t.Fatalf("count=%d total=%d", u.Count("alice_bob"), u.Total())
	}
	u.Open("alice_bob")
	if u.Count("alice_bob") != 0 || u.Total() != 1 {
		t.Fatalf("open: count=%d total=%d", u.Count("alice_bob"), u.Total())
	}
	u.Update("alice_bob", pending)
	u.Close("alice_bob")
	if u.Count("alice_bob") != 2 {
		t.Fatalf("closed: count=%d", u.Count("alice_bob"))
	}
	want := []change{{"alice_bob", 2, 2}, {"bob_carol", 1, 3}, {"alice_bob", 0, 1}, {"alice_bob", 2, 3}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change %d = %+v, want %+v", i, changes[i], want[i])
		}
	}
	if got := u.Chats(); len(got) != 2 || got[0] != "alice_bob" || got[1] != "bob_carol" {
		t.Fatalf("Chats = %v", got)
	}
}

func TestUnreadFollowsReceipts(t *testing.T) {
	tree := newTree(t)
	alice := chat.NewStream(connect(t, tree, "alice"), "alice", "bob", chat.Options{})
	bobConn := connect(t, tree, "bob")
	for _, body := range []string{"1", "2", "3"} {
		if _, err := alice.Append(t.Context(), model.Text{Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	u := chat.NewUnread("bob")
	defer u.Stop()
	unsub, err := u.Watch(t.Context(), chat.NewStream(bobConn, "bob", "alice", chat.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	eventually(t, "three unread", func() bool { return u.Count(alice.ChatID()) == 3 })

	r := chat.NewReconciler(bobConn, alice.ChatID(), "bob", chat.Options{})
	defer r.Close()
	if err := r.ScrolledToBottom(t.Context()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "zero unread", func() bool { return u.Count(alice.ChatID()) == 0 })
}
