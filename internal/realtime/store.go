// Package realtime описывает контракт иерархического realtime-хранилища,
// поверх которого работает синхронизация чатов: запись/слияние/удаление по пути,
// подписки с начальным снимком, действия при обрыве соединения и серверное время.
package realtime

import (
	"context"
	"errors"
)

var (
	ErrNotFound         = errors.New("realtime: record not found")
	ErrPermissionDenied = errors.New("realtime: permission denied")
	ErrDisconnected     = errors.New("realtime: connection lost")
	ErrInvalidPath      = errors.New("realtime: invalid path")
)

// Listener получает снимок после каждого изменения. Ненулевой err завершает подписку.
type Listener func(snap Snapshot, err error)

// Store: то, что нужно ядру синхронизации от хранилища.
//
// Значения: JSON-деревья. Запись nil или пустого объекта удаляет путь.
// Ключи Update могут быть вложенными путями ("reactions/u2").
type Store interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push создаёт дочернюю запись с ключом, упорядоченным по времени создания.
	Push(ctx context.Context, path string, value any) (string, error)
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe сразу доставляет текущий снимок, затем снимок после каждого изменения
	// по пути, над ним или под ним. Доставка одному слушателю последовательна.
	Subscribe(ctx context.Context, q Query, fn Listener) (unsubscribe func(), err error)
	// OnDisconnectSet регистрирует запись, которую сервер выполнит при закрытии соединения.
	OnDisconnectSet(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error
}

// ServerTimestamp: метка, которую хранилище заменяет своим временем (epoch ms) при записи.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// IsServerTimestamp reports whether v is the ServerTimestamp placeholder in any of its decoded forms.
func IsServerTimestamp(v any) bool {
	switch m := v.(type) {
	case map[string]any:
		return len(m) == 1 && m[".sv"] == "timestamp"
	case map[string]string:
		return len(m) == 1 && m[".sv"] == "timestamp"
	}
	return false
}

// Change: одна абсолютная запись в дереве. Value == nil означает удаление.
type Change struct {
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Reader читает текущее значение узла (nil, если его нет).
type Reader interface {
	Read(ctx context.Context, path string) (any, error)
}
