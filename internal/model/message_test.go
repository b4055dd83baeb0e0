package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageStatusAdvance(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		wantErr  error
	}{
		{MessageStatusSent, MessageStatusDelivered, nil},
		{MessageStatusSent, MessageStatusRead, nil},
		{MessageStatusDelivered, MessageStatusRead, nil},
		{MessageStatusRead, MessageStatusRead, nil},
		{MessageStatusRead, MessageStatusSent, ErrStatusRegression},
		{MessageStatusRead, MessageStatusDelivered, ErrStatusRegression},
		{MessageStatusDelivered, MessageStatusSent, ErrStatusRegression},
		{MessageStatusSent, "seen", ErrUnknownStatus},
		{"", MessageStatusSent, nil},
	}
	for _, tt := range tests {
		got, err := tt.from.Advance(tt.to)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s -> %s: err = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
			if got != tt.from {
				t.Errorf("%s -> %s: status changed to %s on error", tt.from, tt.to, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s -> %s: unexpected err %v", tt.from, tt.to, err)
		}
		if got != tt.to {
			t.Errorf("%s -> %s: got %s", tt.from, tt.to, got)
		}
	}
}

func TestMessageJSONText(t *testing.T) {
	m := Message{
		ID:        "ignored",
		Content:   Text{Body: "hi"},
		From:      "u1",
		To:        "u2",
		Timestamp: 1700000000000,
		Status:    MessageStatusSent,
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["text"] != "hi" {
		t.Fatalf("text = %v", raw["text"])
	}
	for _, k := range []string{"audioUrl", "audioDuration", "edited", "editedAt", "reactions", "id"} {
		if _, ok := raw[k]; ok {
			t.Errorf("unexpected key %q in %s", k, data)
		}
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Text() != "hi" || back.From != "u1" || back.To != "u2" || back.Status != MessageStatusSent {
		t.Fatalf("decoded = %+v", back)
	}
}

func TestMessageJSONAudio(t *testing.T) {
	var m Message
	in := `{"audioUrl":"a.m4a","audioDuration":7,"from":"u1","to":"u2","timestamp":5,"status":"read","reactions":{"u2":"🔥"}}`
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	a, ok := m.Content.(Audio)
	if !ok {
		t.Fatalf("content = %T, want Audio", m.Content)
	}
	if a.URL != "a.m4a" || a.Duration != 7 {
		t.Fatalf("audio = %+v", a)
	}
	if m.Preview() != "Voice message (7s)" {
		t.Fatalf("preview = %q", m.Preview())
	}
	if m.Reactions["u2"] != "🔥" {
		t.Fatalf("reactions = %v", m.Reactions)
	}
}

func TestMessageJSONRejectsAmbiguousContent(t *testing.T) {
	for _, in := range []string{
		`{"text":"x","audioUrl":"a","from":"u1","to":"u2","status":"sent"}`,
		`{"from":"u1","to":"u2","status":"sent"}`,
		`{"reactions":{"u2":"👍"}}`,
	} {
		var m Message
		if err := json.Unmarshal([]byte(in), &m); !errors.Is(err, ErrInvalidContent) {
			t.Errorf("%s: err = %v, want ErrInvalidContent", in, err)
		}
	}
}

func TestMessageValidate(t *testing.T) {
	ok := Message{Content: Text{Body: "a"}, From: "u1", To: "u2", Status: MessageStatusSent}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid message: %v", err)
	}
	empty := ok
	empty.Content = Text{}
	if err := empty.Validate(); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("empty text: %v", err)
	}
	noContent := ok
	noContent.Content = nil
	if err := noContent.Validate(); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("nil content: %v", err)
	}
	badStatus := ok
	badStatus.Status = "seen"
	if err := badStatus.Validate(); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("bad status: %v", err)
	}
}

func TestLessTieBreak(t *testing.T) {
	a := Message{ID: "0190a", Timestamp: 10}
	b := Message{ID: "0190b", Timestamp: 10}
	c := Message{ID: "0000a", Timestamp: 11}
	if !Less(a, b) || Less(b, a) {
		t.Fatal("equal timestamps must order by id")
	}
	if !Less(b, c) {
		t.Fatal("timestamp must dominate id")
	}
}

func TestUserAvatarForms(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"id":"1","username":"a","avatar":"x.png"}`, "x.png"},
		{`{"id":"1","username":"a","avatar":["y.png","z.png"]}`, "y.png"},
		{`{"id":"1","username":"a","avatar":[],"photo":"p.png"}`, "p.png"},
		{`{"id":"1","username":"a"}`, ""},
	}
	for _, tt := range tests {
		var u User
		if err := json.Unmarshal([]byte(tt.in), &u); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if u.Avatar != tt.want {
			t.Errorf("%s: avatar = %q, want %q", tt.in, u.Avatar, tt.want)
		}
		if u.Username != "a" {
			t.Errorf("%s: username lost", tt.in)
		}
	}
}

func TestUserPatchApply(t *testing.T) {
	alias := "Neo"
	u := UserPatch{Alias: &alias}.Apply(User{ID: "1", Username: "tom", Bio: "b"})
	if u.Alias != "Neo" || u.Username != "tom" || u.Bio != "b" {
		t.Fatalf("patched = %+v", u)
	}
	if u.DisplayName() != "Neo" {
		t.Fatalf("display = %q", u.DisplayName())
	}
}
