package chat_test

import (
	"testing"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/storage"
)

func typingFlag(t *testing.T, tree *storage.Tree, chatID, uid string) bool {
	t.Helper()
	snap, err := tree.System().Get(t.Context(), chat.TypingPath(chatID, uid))
	if err != nil {
		t.Fatal(err)
	}
	return snap.Value == true
}

func TestTypingLifecycle(t *testing.T) {
	tree := newTree(t)
	chatID := chat.ChatID("alice", "bob")
	typing := chat.NewTyping(connect(t, tree, "alice"), chatID, "alice", chat.Options{TypingIdle: minute})

	var peer latest[bool]
	unsub, err := chat.WatchTyping(t.Context(), connect(t, tree, "bob"), chatID, "alice", peer.set)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := typing.InputChanged(t.Context(), "h"); err != nil {
		t.Fatal(err)
	}
	if !typing.Active() || !typingFlag(t, tree, chatID, "alice") {
		t.Fatal("flag not written on input")
	}
	eventually(t, "peer sees typing", func() bool { v, _ := peer.get(); return v })

	// фокус остаётся: пустой ввод флаг не снимает
	if err := typing.Focus(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := typing.InputChanged(t.Context(), ""); err != nil {
		t.Fatal(err)
	}
	if !typing.Active() {
		t.Fatal("flag cleared while focused")
	}
	if err := typing.Blur(t.Context()); err != nil {
		t.Fatal(err)
	}
	if typing.Active() || typingFlag(t, tree, chatID, "alice") {
		t.Fatal("flag kept after blur with empty input")
	}
	eventually(t, "peer sees idle", func() bool { v, _ := peer.get(); return !v })
}

func TestTypingIdleTimeout(t *testing.T) {
	tree := newTree(t)
	chatID := chat.ChatID("alice", "bob")
	typing := chat.NewTyping(connect(t, tree, "alice"), chatID, "alice", fastOptions())
	defer typing.Close(t.Context())

	if err := typing.InputChanged(t.Context(), "hello"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "idle clear", func() bool {
		return !typing.Active() && !typingFlag(t, tree, chatID, "alice")
	})
}

func TestTypingClose(t *testing.T) {
	tree := newTree(t)
	chatID := chat.ChatID("alice", "bob")
	conn := connect(t, tree, "alice")
	typing := chat.NewTyping(conn, chatID, "alice", chat.Options{TypingIdle: minute})
	if err := typing.InputChanged(t.Context(), "hey"); err != nil {
		t.Fatal(err)
	}
	if err := typing.Close(t.Context()); err != nil {
		t.Fatal(err)
	}
	if typingFlag(t, tree, chatID, "alice") {
		t.Fatal("flag kept after close")
	}
	if conn.PendingOnDisconnect() != 0 {
		t.Fatal("on-disconnect action left after close")
	}
	if err := typing.InputChanged(t.Context(), "again"); err != nil || typing.Active() {
		t.Fatalf("closed typing reacted to input: %v", err)
	}
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	tree := newTree(t)
	chatID := chat.ChatID("alice", "bob")
	conn := tree.Connect("alice")
	typing := chat.NewTyping(conn, chatID, "alice", chat.Options{TypingIdle: minute})
	defer typing.Close(t.Context())
	if err := typing.InputChanged(t.Context(), "hey"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if typingFlag(t, tree, chatID, "alice") {
		t.Fatal("flag survived connection loss")
	}
}

func TestTypingOnlyOwnFlag(t *testing.T) {
	tree := newTree(t)
	chatID := chat.ChatID("alice", "bob")
	typing := chat.NewTyping(connect(t, tree, "alice"), chatID, "bob", chat.Options{})
	if err := typing.InputChanged(t.Context(), "x"); err == nil {
		t.Fatal("wrote another user's typing flag")
	}
}
