package memory

import (
	"testing"

	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/storagetest"
)

func TestBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend { return New() })
}
