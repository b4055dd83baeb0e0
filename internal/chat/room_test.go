package chat_test

import (
	"errors"
	"testing"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/model"
)

func TestRoomConversation(t *testing.T) {
	tree := newTree(t)
	aliceConn := connect(t, tree, "alice")
	bobConn := connect(t, tree, "bob")

	var aliceView, bobView latest[chat.RoomState]
	alice := chat.NewRoom(aliceConn, "alice", "bob", nil, fastOptions(), aliceView.set)
	unread := chat.NewUnread("bob")
	bob := chat.NewRoom(bobConn, "bob", "alice", unread, fastOptions(), bobView.set)
	if err := alice.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer alice.Close(t.Context())
	if err := bob.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer bob.Close(t.Context())

	if err := chat.NewPresence(aliceConn, "alice").Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob sees alice online", func() bool {
		st, _ := bobView.get()
		return st.PeerPresence.Online()
	})

	if err := alice.InputChanged(t.Context(), "h"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob sees typing", func() bool {
		st, _ := bobView.get()
		return st.PeerTyping
	})

	sent, err := alice.Send(t.Context(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "typing cleared on send", func() bool {
		st, _ := bobView.get()
		return !st.PeerTyping
	})
	// bob внизу ленты: новое сообщение сразу помечается прочитанным
	eventually(t, "alice sees read tick", func() bool {
		st, _ := aliceView.get()
		return len(st.Messages) == 1 && st.Messages[0].ID == sent.ID && st.Messages[0].Status == model.MessageStatusRead
	})
	st, _ := bobView.get()
	if len(st.Items) != 2 || st.Items[0].Kind != model.ItemDayLabel || st.Items[0].Label != chat.LabelToday {
		t.Fatalf("items = %+v", st.Items)
	}
	if unread.Count(bob.Stream().ChatID()) != 0 {
		t.Fatal("open room shows unread badge")
	}

	if err := bob.React(t.Context(), sent.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice sees reaction", func() bool {
		st, _ := aliceView.get()
		return len(st.Messages) == 1 && st.Messages[0].Reactions["bob"] == "👍"
	})
}

func TestRoomNewBelow(t *testing.T) {
	tree := newTree(t)
	alice := chat.NewStream(connect(t, tree, "alice"), "alice", "bob", chat.Options{})

	var view latest[chat.RoomState]
	bob := chat.NewRoom(connect(t, tree, "bob"), "bob", "alice", nil, fastOptions(), view.set)
	settled := make(chan struct{}, 8)
	bob.Reconciler().OnRun = func(int, error) { settled <- struct{}{} }
	if err := bob.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer bob.Close(t.Context())
	<-settled

	if err := bob.SetAtBottom(t.Context(), false); err != nil {
		t.Fatal(err)
	}
	for _, body := range []string{"one", "two"} {
		if _, err := alice.Append(t.Context(), model.Text{Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "two new below", func() bool {
		st, _ := view.get()
		return st.NewBelow == 2 && len(st.Messages) == 2
	})
	msgs, _ := alice.Load(t.Context())
	if chat.UnreadCount(msgs, "bob") != 2 {
		t.Fatal("messages marked read while scrolled up")
	}

	if err := bob.SetAtBottom(t.Context(), true); err != nil {
		t.Fatal(err)
	}
	st, _ := view.get()
	if st.NewBelow != 0 {
		t.Fatalf("NewBelow = %d after reaching bottom", st.NewBelow)
	}
	msgs, _ = alice.Load(t.Context())
	if chat.UnreadCount(msgs, "bob") != 0 {
		t.Fatal("scrolling to bottom did not mark messages read")
	}
}

func TestRoomCloseTearsDown(t *testing.T) {
	tree := newTree(t)
	alice := chat.NewStream(connect(t, tree, "alice"), "alice", "bob", chat.Options{})
	bobConn := connect(t, tree, "bob")

	var view latest[chat.RoomState]
	bob := chat.NewRoom(bobConn, "bob", "alice", nil, fastOptions(), view.set)
	before := tree.Subscriptions()
	if err := bob.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	if tree.Subscriptions() != before+3 {
		t.Fatalf("subscriptions = %d, want %d", tree.Subscriptions(), before+3)
	}
	if err := bob.InputChanged(t.Context(), "typing..."); err != nil {
		t.Fatal(err)
	}
	if err := bob.Close(t.Context()); err != nil {
		t.Fatal(err)
	}
	if tree.Subscriptions() != before {
		t.Fatalf("subscriptions leaked: %d", tree.Subscriptions())
	}
	if typingFlag(t, tree, bob.Stream().ChatID(), "bob") {
		t.Fatal("typing flag left after close")
	}

	_, n := view.get()
	if _, err := alice.Append(t.Context(), model.Text{Body: "after close"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, m := view.get(); m != n {
		t.Fatalf("closed room emitted %d more states", m-n)
	}
	msgs, _ := alice.Load(t.Context())
	if chat.UnreadCount(msgs, "bob") != 1 {
		t.Fatal("closed room marked a message read")
	}
}

func TestRoomOpenAfterClose(t *testing.T) {
	tree := newTree(t)
	bob := chat.NewRoom(connect(t, tree, "bob"), "bob", "alice", nil, fastOptions(), func(chat.RoomState) {})
	if err := bob.Open(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := bob.Open(t.Context()); err == nil || errors.Is(err, chat.ErrRoomClosed) {
		t.Fatalf("second open: %v", err)
	}
	if err := bob.Close(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := bob.Open(t.Context()); !errors.Is(err, chat.ErrRoomClosed) {
		t.Fatalf("open after close: %v", err)
	}

	never := chat.NewRoom(connect(t, tree, "alice"), "alice", "bob", nil, fastOptions(), func(chat.RoomState) {})
	if err := never.Close(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := never.Open(t.Context()); !errors.Is(err, chat.ErrRoomClosed) {
		t.Fatalf("open of closed room: %v", err)
	}
}
