// Package storagetest: общий набор проверок для реализаций storage.Backend.
package storagetest

import (
	"context"
	"sort"
	"testing"

	"github.com/chatsync/internal/storage"
)

// RunBackend прогоняет контракт Backend на пустом экземпляре, созданном newBackend.
func RunBackend(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutScan", func(t *testing.T) {
		b := newBackend(t)
		apply(t, b,
			storage.Op{Kind: storage.OpPut, Path: "chats/a_b/messages/m1/text", Value: []byte(`"hi"`)},
			storage.Op{Kind: storage.OpPut, Path: "chats/a_b/messages/m1/timestamp", Value: []byte(`5`)},
			storage.Op{Kind: storage.OpPut, Path: "chats/a_bc/messages/m2/text", Value: []byte(`"other"`)},
			storage.Op{Kind: storage.OpPut, Path: "status/a", Value: []byte(`"x"`)},
		)
		got := paths(t, b, "chats/a_b")
		want := []string{"chats/a_b/messages/m1/text", "chats/a_b/messages/m1/timestamp"}
		if !equal(got, want) {
			t.Fatalf("Scan(chats/a_b) = %v, want %v", got, want)
		}
		if got := paths(t, b, "status/a"); !equal(got, []string{"status/a"}) {
			t.Fatalf("Scan(status/a) = %v", got)
		}
		if got := paths(t, b, ""); len(got) != 4 {
			t.Fatalf("Scan(\"\") = %v, want 4 leaves", got)
		}
		leaves, err := b.Scan(ctx, "chats/a_b/messages/m1/text")
		if err != nil || len(leaves) != 1 || string(leaves[0].Value) != `"hi"` {
			t.Fatalf("Scan leaf = %v, %v", leaves, err)
		}
	})

	t.Run("DeletePrefixIsScoped", func(t *testing.T) {
		b := newBackend(t)
		apply(t, b,
			storage.Op{Kind: storage.OpPut, Path: "chats/a_b/typing/a", Value: []byte(`true`)},
			storage.Op{Kind: storage.OpPut, Path: "chats/a_b/typing/b", Value: []byte(`true`)},
			storage.Op{Kind: storage.OpPut, Path: "chats/a_b/typingx", Value: []byte(`1`)},
		)
		apply(t, b, storage.Op{Kind: storage.OpDeletePrefix, Path: "chats/a_b/typing"})
		if got := paths(t, b, "chats/a_b"); !equal(got, []string{"chats/a_b/typingx"}) {
			t.Fatalf("after delete prefix = %v", got)
		}
	})

	t.Run("BatchOrder", func(t *testing.T) {
		b := newBackend(t)
		apply(t, b,
			storage.Op{Kind: storage.OpPut, Path: "x/y", Value: []byte(`1`)},
			storage.Op{Kind: storage.OpDeletePrefix, Path: "x"},
			storage.Op{Kind: storage.OpPut, Path: "x/z", Value: []byte(`2`)},
			storage.Op{Kind: storage.OpPut, Path: "w", Value: []byte(`3`)},
			storage.Op{Kind: storage.OpDelete, Path: "w"},
		)
		if got := paths(t, b, ""); !equal(got, []string{"x/z"}) {
			t.Fatalf("after batch = %v", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		b := newBackend(t)
		apply(t, b, storage.Op{Kind: storage.OpPut, Path: "k", Value: []byte(`"a"`)})
		apply(t, b, storage.Op{Kind: storage.OpPut, Path: "k", Value: []byte(`"b"`)})
		leaves, err := b.Scan(ctx, "k")
		if err != nil || len(leaves) != 1 || string(leaves[0].Value) != `"b"` {
			t.Fatalf("Scan(k) = %v, %v", leaves, err)
		}
	})
}

func apply(t *testing.T, b storage.Backend, ops ...storage.Op) {
	t.Helper()
	if err := b.Apply(context.Background(), ops); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func paths(t *testing.T, b storage.Backend, prefix string) []string {
	t.Helper()
	leaves, err := b.Scan(context.Background(), prefix)
	if err != nil {
		t.Fatalf("Scan(%q): %v", prefix, err)
	}
	out := make([]string, 0, len(leaves))
	for _, l := range leaves {
		out = append(out, l.Path)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
