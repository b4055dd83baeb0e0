package chat

import (
	"errors"
	"time"
)

var (
	ErrNotSender      = errors.New("chat: only the sender can edit a message")
	ErrInvalidContent = errors.New("chat: invalid message content")
	ErrRoomClosed     = errors.New("chat: room closed")
)

const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultTypingIdle  = 2 * time.Second
	// DefaultTypingRefresh держит флаг набора свежим для серверного TTL.
	DefaultTypingRefresh = 10 * time.Second
	DefaultReceiptLimit  = 8
)

// Options: настройки клиентской синхронизации. Нулевые поля заменяются значениями по умолчанию.
type Options struct {
	// SettleDelay: задержка отметки о прочтении после входа в чат.
	SettleDelay time.Duration
	// TypingIdle: бездействие, после которого флаг набора снимается.
	TypingIdle time.Duration
	// TypingRefresh: период перезаписи флага, пока пользователь печатает.
	TypingRefresh time.Duration
	// ReceiptLimit: сколько точечных обновлений статуса выполняется параллельно.
	ReceiptLimit int
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = DefaultTypingIdle
	}
	if o.TypingRefresh <= 0 {
		o.TypingRefresh = DefaultTypingRefresh
	}
	if o.ReceiptLimit <= 0 {
		o.ReceiptLimit = DefaultReceiptLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
