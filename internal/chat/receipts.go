package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
)

const receiptTimeout = 10 * time.Second

// PendingReceipts: сообщения, адресованные me и ещё не прочитанные.
func PendingReceipts(msgs []model.Message, me string) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if m.To == me && m.Status != model.MessageStatusRead {
			out = append(out, m)
		}
	}
	return out
}

// Reconciler переводит входящие сообщения в read: после входа в чат (с задержкой),
// при изменении длины ленты, когда пользователь внизу, и при прокрутке вниз.
// Каждое сообщение: отдельное точечное обновление; сбои логируются и не повторяются.
type Reconciler struct {
	store  realtime.Store
	chatID string
	me     string
	opts   Options

	mu      sync.Mutex
	msgs    []model.Message
	loaded  bool
	lastLen int
	enter   *time.Timer
	closed  bool
	// OnRun вызывается после каждого прогона с числом обновлений и ошибкой (тесты, UI).
	OnRun func(updated int, err error)
}

func NewReconciler(store realtime.Store, chatID, me string, opts Options) *Reconciler {
	return &Reconciler{store: store, chatID: chatID, me: me, opts: opts.withDefaults()}
}

// Enter планирует прогон через SettleDelay. Повторный Enter переносит таймер.
func (r *Reconciler) Enter(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.enter != nil {
		r.enter.Stop()
	}
	r.enter = time.AfterFunc(r.opts.SettleDelay, func() {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), receiptTimeout)
		defer cancel()
		r.run(runCtx)
	})
}

// MessagesChanged получает каждую эмиссию потока. Прогон — только при смене длины и atBottom.
func (r *Reconciler) MessagesChanged(ctx context.Context, msgs []model.Message, atBottom bool) error {
	r.mu.Lock()
	r.msgs = msgs
	r.loaded = true
	changed := len(msgs) != r.lastLen
	r.lastLen = len(msgs)
	closed := r.closed
	r.mu.Unlock()
	if closed || !changed || !atBottom {
		return nil
	}
	return r.run(ctx)
}

// ScrolledToBottom: пользователь вручную долистал до конца.
func (r *Reconciler) ScrolledToBottom(ctx context.Context) error {
	return r.run(ctx)
}

// Close отменяет отложенный прогон; последующие триггеры игнорируются.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.enter != nil {
		r.enter.Stop()
	}
}

func (r *Reconciler) snapshot(ctx context.Context) ([]model.Message, error) {
	r.mu.Lock()
	msgs, loaded := r.msgs, r.loaded
	r.mu.Unlock()
	if loaded {
		return msgs, nil
	}
	snap, err := r.store.Get(ctx, MessagesPath(r.chatID))
	if err != nil {
		return nil, err
	}
	return DecodeMessages(snap), nil
}

func (r *Reconciler) run(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}
	defer logger.DeferLogDuration("receipts.run", time.Now())()

	msgs, err := r.snapshot(ctx)
	if err != nil {
		err = fmt.Errorf("receipts.load %s: %w", r.chatID, err)
		logger.Warnf("%v", err)
		r.report(0, err)
		return err
	}
	pending := PendingReceipts(msgs, r.me)
	if len(pending) == 0 {
		r.report(0, nil)
		return nil
	}

	var (
		mu      sync.Mutex
		errs    []error
		updated int
	)
	g := new(errgroup.Group)
	g.SetLimit(r.opts.ReceiptLimit)
	for _, m := range pending {
		id := m.ID
		g.Go(func() error {
			err := r.store.Update(ctx, MessagePath(r.chatID, id), map[string]any{"status": string(model.MessageStatusRead)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				updated++
			case errors.Is(err, realtime.ErrNotFound):
				// удалено отправителем между чтением и записью
			default:
				logger.Warnf("receipts: mark read chat=%s msg=%s: %v", r.chatID, id, err)
				errs = append(errs, fmt.Errorf("message %s: %w", id, err))
			}
			return nil
		})
	}
	// горутины всегда возвращают nil, ошибки собраны в errs
	g.Wait()
	joined := errors.Join(errs...)
	r.report(updated, joined)
	return joined
}

func (r *Reconciler) report(updated int, err error) {
	if r.OnRun != nil {
		r.OnRun(updated, err)
	}
}
