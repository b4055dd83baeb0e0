package chat

import (
	"context"
	"fmt"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
)

func presenceRecord(state model.PresenceState) map[string]any {
	return map[string]any{"state": string(state), "last_changed": realtime.ServerTimestamp}
}

// Presence публикует статус локального пользователя.
type Presence struct {
	store realtime.Store
	uid   string
}

func NewPresence(store realtime.Store, uid string) *Presence {
	return &Presence{store: store, uid: uid}
}

// Start регистрирует серверную запись offline на обрыв соединения и пишет online.
func (p *Presence) Start(ctx context.Context) error {
	path := StatusPath(p.uid)
	if err := p.store.OnDisconnectSet(ctx, path, presenceRecord(model.PresenceOffline)); err != nil {
		return fmt.Errorf("presence.Start on-disconnect: %w", err)
	}
	if err := p.store.Set(ctx, path, presenceRecord(model.PresenceOnline)); err != nil {
		return fmt.Errorf("presence.Start: %w", err)
	}
	return nil
}

// Stop — штатное завершение сессии: снимает действие на обрыв и пишет offline.
// Запись совпадает с той, что сделал бы сервер, поэтому повтор безопасен.
func (p *Presence) Stop(ctx context.Context) error {
	path := StatusPath(p.uid)
	if err := p.store.CancelOnDisconnect(ctx, path); err != nil {
		logger.Warnf("presence: cancel on-disconnect user=%s: %v", p.uid, err)
	}
	if err := p.store.Set(ctx, path, presenceRecord(model.PresenceOffline)); err != nil {
		return fmt.Errorf("presence.Stop: %w", err)
	}
	return nil
}

// Watch зеркалит статус peer в fn. Ошибки подписки и отсутствие записи дают PresenceUnknown.
func (p *Presence) Watch(ctx context.Context, peer string, fn func(model.Presence)) (func(), error) {
	return WatchPresence(ctx, p.store, peer, fn)
}

func WatchPresence(ctx context.Context, store realtime.Store, peer string, fn func(model.Presence)) (func(), error) {
	unknown := model.Presence{State: model.PresenceUnknown}
	unsub, err := store.Subscribe(ctx, realtime.At(StatusPath(peer)), func(snap realtime.Snapshot, err error) {
		if err != nil {
			logger.Warnf("presence: watch %s: %v", peer, err)
			fn(unknown)
			return
		}
		if !snap.Exists() {
			fn(unknown)
			return
		}
		var pr model.Presence
		if err := snap.Decode(&pr); err != nil || (pr.State != model.PresenceOnline && pr.State != model.PresenceOffline) {
			fn(unknown)
			return
		}
		fn(pr)
	})
	if err != nil {
		fn(unknown)
		return func() {}, fmt.Errorf("presence.Watch %s: %w", peer, err)
	}
	return unsub, nil
}
