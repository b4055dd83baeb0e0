package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"", true},
		{"status/u1", true},
		{"/chats/a_b/messages/", true},
		{"chats//x", false},
		{"chats/a.b", false},
		{"chats/a#b", false},
		{"chats/$x", false},
		{"chats/[0]", false},
	}
	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if tt.ok && err != nil {
			t.Errorf("ValidatePath(%q) = %v", tt.path, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ValidatePath(%q) = %v, want ErrInvalidPath", tt.path, err)
		}
	}
}

func TestRelated(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"chats/c", "chats/c/messages/m", true},
		{"chats/c/messages/m", "chats/c", true},
		{"chats/c", "chats/c", true},
		{"chats/c", "chats/cd", false},
		{"", "status/u1", true},
		{"status/u1", "status/u2", false},
	}
	for _, tt := range tests {
		if got := Related(tt.a, tt.b); got != tt.want {
			t.Errorf("Related(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJoinAndParent(t *testing.T) {
	if got := Join("chats", "", "/a_b/", "messages"); got != "chats/a_b/messages" {
		t.Fatalf("Join = %q", got)
	}
	if got := Parent("chats/a_b/messages"); got != "chats/a_b" {
		t.Fatalf("Parent = %q", got)
	}
	if got := KeyOf("chats/a_b/messages/m1"); got != "m1" {
		t.Fatalf("KeyOf = %q", got)
	}
}

func TestSnapshotChildrenOrder(t *testing.T) {
	snap := NewSnapshot("chats/c/messages", map[string]any{
		"b": map[string]any{"timestamp": json.Number("1")},
		"a": map[string]any{"timestamp": json.Number("2")},
	}, []string{"b", "a"})
	kids := snap.Children()
	if len(kids) != 2 || kids[0].Key() != "b" || kids[1].Key() != "a" {
		t.Fatalf("children = %+v", kids)
	}
	snap.Order = nil
	kids = snap.Children()
	if kids[0].Key() != "a" {
		t.Fatalf("unordered children should sort by key, got %q first", kids[0].Key())
	}
}

func TestSnapshotWireKeepsNumbers(t *testing.T) {
	in := NewSnapshot("status/u1", map[string]any{"state": "online", "last_changed": json.Number("1700000000123")}, nil)
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var rec struct {
		LastChanged int64 `json:"last_changed"`
	}
	if err := out.Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.LastChanged != 1700000000123 {
		t.Fatalf("last_changed = %d", rec.LastChanged)
	}
}

func TestSnapshotDecodeMissing(t *testing.T) {
	var v map[string]any
	if err := NewSnapshot("x", nil, nil).Decode(&v); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIsServerTimestamp(t *testing.T) {
	if !IsServerTimestamp(ServerTimestamp) {
		t.Fatal("sentinel not recognised")
	}
	if !IsServerTimestamp(map[string]any{".sv": "timestamp"}) {
		t.Fatal("decoded sentinel not recognised")
	}
	if IsServerTimestamp(map[string]any{".sv": "timestamp", "x": 1}) {
		t.Fatal("extra keys must not match")
	}
}
