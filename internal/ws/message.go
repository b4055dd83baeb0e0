package ws

import (
	"errors"
	"fmt"

	"github.com/chatsync/internal/realtime"
)

// Op: операция, которую клиент просит выполнить над деревом.
type Op string

const (
	OpSet                Op = "set"
	OpUpdate             Op = "update"
	OpRemove             Op = "remove"
	OpPush               Op = "push"
	OpGet                Op = "get"
	OpSubscribe          Op = "subscribe"
	OpUnsubscribe        Op = "unsubscribe"
	OpOnDisconnectSet    Op = "on_disconnect_set"
	OpOnDisconnectCancel Op = "on_disconnect_cancel"
)

// Request is what the client sends to the server. ID correlates the reply;
// Sub is chosen by the client so events can arrive before the subscribe result.
type Request struct {
	ID     uint64          `json:"id"`
	Op     Op              `json:"op"`
	Path   string          `json:"path,omitempty"`
	Value  any             `json:"value,omitempty"`
	Fields map[string]any  `json:"fields,omitempty"`
	Query  *realtime.Query `json:"query,omitempty"`
	Sub    uint64          `json:"sub,omitempty"`
}

type FrameType string

const (
	FrameResult   FrameType = "result"
	FrameError    FrameType = "error"
	FrameEvent    FrameType = "event"
	FrameSubError FrameType = "sub_error"
)

// Frame is what the server sends to the client.
type Frame struct {
	Type     FrameType          `json:"type"`
	ID       uint64             `json:"id,omitempty"`
	Sub      uint64             `json:"sub,omitempty"`
	Key      string             `json:"key,omitempty"`
	Snapshot *realtime.Snapshot `json:"snapshot,omitempty"`
	Error    string             `json:"error,omitempty"`
	Code     string             `json:"code,omitempty"`
}

const (
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeInvalidPath      = "invalid_path"
	CodeDisconnected     = "disconnected"
	CodeBadRequest       = "bad_request"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
	CodeOK               = "ok"
)

var (
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limited")
)

var codeErrors = map[string]error{
	CodeNotFound:         realtime.ErrNotFound,
	CodePermissionDenied: realtime.ErrPermissionDenied,
	CodeInvalidPath:      realtime.ErrInvalidPath,
	CodeDisconnected:     realtime.ErrDisconnected,
	CodeBadRequest:       ErrBadRequest,
	CodeRateLimited:      ErrRateLimited,
}

// ErrorCode: код ошибки для передачи по проводу.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, realtime.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, realtime.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, realtime.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, realtime.ErrDisconnected):
		return CodeDisconnected
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	}
	return CodeInternal
}

// ErrorFromFrame восстанавливает ошибку из кадра error/sub_error, сохраняя sentinel для errors.Is.
func ErrorFromFrame(f Frame) error {
	if base, ok := codeErrors[f.Code]; ok {
		return fmt.Errorf("%w: %s", base, f.Error)
	}
	return errors.New(f.Error)
}

func errorFrame(id uint64, err error) Frame {
	return Frame{Type: FrameError, ID: id, Error: err.Error(), Code: ErrorCode(err)}
}
