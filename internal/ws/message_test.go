package ws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chatsync/internal/realtime"
)

func TestErrorFromFrameKeepsKind(t *testing.T) {
	for _, base := range []error{realtime.ErrNotFound, realtime.ErrPermissionDenied, ErrBadRequest, ErrRateLimited} {
		f := errorFrame(7, fmt.Errorf("op: %w", base))
		if f.Type != FrameError || f.ID != 7 {
			t.Fatalf("frame = %+v", f)
		}
		if err := ErrorFromFrame(f); !errors.Is(err, base) {
			t.Errorf("ErrorFromFrame(%q) = %v, want %v", f.Code, err, base)
		}
	}

	err := ErrorFromFrame(errorFrame(1, errors.New("boom")))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("internal error = %v", err)
	}
}
