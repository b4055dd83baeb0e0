package storage

import (
	"context"
	"time"

	"github.com/chatsync/internal/realtime"
)

// Leaf: скалярное JSON-значение по полному пути (chats/c/messages/m/text → "hi").
type Leaf struct {
	Path  string
	Value []byte
}

type OpKind int

const (
	// OpPut записывает лист.
	OpPut OpKind = iota
	// OpDelete удаляет лист ровно по пути (скаляр-предок перед записью под ним).
	OpDelete
	// OpDeletePrefix удаляет путь и всё под ним.
	OpDeletePrefix
)

type Op struct {
	Kind  OpKind
	Path  string
	Value []byte
}

// Backend хранит плоские листья дерева.
// Реализации: memory, pebble, redis, postgres.
type Backend interface {
	// Scan возвращает лист по пути и все листья под ним ("" — всё дерево).
	Scan(ctx context.Context, prefix string) ([]Leaf, error)
	// Apply применяет пакет операций атомарно и по порядку.
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

// ChangeEvent: уведомление о коммите, сделанном другим экземпляром сервера.
type ChangeEvent struct {
	Origin string   `json:"origin"`
	Paths  []string `json:"paths"`
}

// ChangeFeed связывает несколько серверов над общим бэкендом (redis pub/sub, postgres NOTIFY).
type ChangeFeed interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	// Listen блокируется до отмены ctx, вызывая fn на каждое событие.
	Listen(ctx context.Context, fn func(ChangeEvent)) error
}

// Authorizer проверяет запись и чтение от имени пользователя.
type Authorizer interface {
	AuthorizeWrite(ctx context.Context, r realtime.Reader, uid string, changes []realtime.Change) error
	AuthorizeRead(uid, path string) error
}

// Commit: описание применённой записи для хуков.
// Для удалённых коммитов (Remote) известны только пути.
type Commit struct {
	UID     string
	Remote  bool
	Paths   []string
	Changes []realtime.Change
	At      time.Time
}

// CommitHook вызывается в порядке коммитов под блокировкой записи: писать в дерево из хука нельзя.
type CommitHook func(c Commit)
