package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/realtime"
)

const typingWriteTimeout = 5 * time.Second

// Typing: флаг набора локального пользователя в одной беседе.
//
// Idle → Typing: непустой ввод или фокус при непустом вводе.
// Typing → Idle: ввод очищен без фокуса, потеря фокуса с пустым вводом,
// TypingIdle без изменений ввода, Close.
type Typing struct {
	store realtime.Store
	path  string
	opts  Options

	mu      sync.Mutex
	text    string
	focused bool
	active  bool
	closed  bool
	idle    *time.Timer
	refresh *time.Ticker
	stopRef chan struct{}
}

func NewTyping(store realtime.Store, chatID, uid string, opts Options) *Typing {
	return &Typing{store: store, path: TypingPath(chatID, uid), opts: opts.withDefaults()}
}

// Active: записан ли сейчас флаг.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typing) InputChanged(ctx context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.text = text
	if text != "" {
		return t.startLocked(ctx)
	}
	if !t.focused {
		return t.stopLocked(ctx)
	}
	return nil
}

func (t *Typing) Focus(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.focused = true
	if t.text != "" {
		return t.startLocked(ctx)
	}
	return nil
}

func (t *Typing) Blur(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.focused = false
	if t.text == "" {
		return t.stopLocked(ctx)
	}
	return nil
}

// Close снимает флаг и останавливает таймеры. Повторный вызов — no-op.
func (t *Typing) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	err := t.stopLocked(ctx)
	t.closed = true
	return err
}

// startLocked пишет флаг (если его нет) и перезапускает таймер бездействия.
func (t *Typing) startLocked(ctx context.Context) error {
	if t.idle != nil {
		t.idle.Stop()
	}
	t.idle = time.AfterFunc(t.opts.TypingIdle, t.onIdle)
	if t.active {
		return nil
	}
	if err := t.store.OnDisconnectSet(ctx, t.path, nil); err != nil {
		logger.Warnf("typing: on-disconnect %s: %v", t.path, err)
	}
	if err := t.store.Set(ctx, t.path, true); err != nil {
		return fmt.Errorf("typing.start: %w", err)
	}
	t.active = true
	t.refresh = time.NewTicker(t.opts.TypingRefresh)
	t.stopRef = make(chan struct{})
	go t.keepFresh(t.refresh, t.stopRef)
	return nil
}

func (t *Typing) stopLocked(ctx context.Context) error {
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if !t.active {
		return nil
	}
	t.refresh.Stop()
	close(t.stopRef)
	t.active = false
	if err := t.store.Remove(ctx, t.path); err != nil {
		return fmt.Errorf("typing.stop: %w", err)
	}
	if err := t.store.CancelOnDisconnect(ctx, t.path); err != nil {
		logger.Warnf("typing: cancel on-disconnect %s: %v", t.path, err)
	}
	return nil
}

func (t *Typing) onIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
	defer cancel()
	if err := t.stopLocked(ctx); err != nil {
		logger.Warnf("typing: idle clear: %v", err)
	}
}

// keepFresh перезаписывает флаг, пока пользователь печатает.
func (t *Typing) keepFresh(tick *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		t.mu.Lock()
		if !t.active || t.closed {
			t.mu.Unlock()
			return
		}
		select {
		case <-stop:
			t.mu.Unlock()
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
		if err := t.store.Set(ctx, t.path, true); err != nil {
			logger.Warnf("typing: refresh %s: %v", t.path, err)
		}
		cancel()
		t.mu.Unlock()
	}
}

// WatchTyping зеркалит флаг набора собеседника. Ошибка подписки гасит индикатор.
func WatchTyping(ctx context.Context, store realtime.Store, chatID, peer string, fn func(bool)) (func(), error) {
	unsub, err := store.Subscribe(ctx, realtime.At(TypingPath(chatID, peer)), func(snap realtime.Snapshot, err error) {
		if err != nil {
			logger.Warnf("typing: watch %s: %v", peer, err)
			fn(false)
			return
		}
		fn(snap.Value == true)
	})
	if err != nil {
		fn(false)
		return func() {}, fmt.Errorf("typing.Watch %s: %w", peer, err)
	}
	return unsub, nil
}
