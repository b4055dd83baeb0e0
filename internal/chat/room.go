package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
)

// RoomState: то, что экран беседы показывает в данный момент.
type RoomState struct {
	ChatID       string
	Items        []model.Item
	Messages     []model.Message
	PeerPresence model.Presence
	PeerTyping   bool
	// NewBelow: сколько сообщений пришло, пока пользователь не внизу ленты.
	NewBelow int
}

// Room собирает подписки одной открытой беседы: присутствие и набор собеседника,
// поток сообщений, отметки о прочтении, счётчик непрочитанных и свой флаг набора.
// Close обязателен: после него ни один callback не меняет состояние.
type Room struct {
	store  realtime.Store
	stream *Stream
	typing *Typing
	recon  *Reconciler
	unread *Unread
	opts   Options
	fn     func(RoomState)

	ctx    context.Context
	cancel context.CancelFunc

	emitMu sync.Mutex

	mu       sync.Mutex
	state    RoomState
	atBottom bool
	unsubs   []func()
	opened   bool
	closed   bool
}

// NewRoom готовит беседу me ↔ peer. unread может быть nil.
func NewRoom(store realtime.Store, me, peer string, unread *Unread, opts Options, fn func(RoomState)) *Room {
	opts = opts.withDefaults()
	s := NewStream(store, me, peer, opts)
	return &Room{
		store:    store,
		stream:   s,
		typing:   NewTyping(store, s.ChatID(), me, opts),
		recon:    NewReconciler(store, s.ChatID(), me, opts),
		unread:   unread,
		opts:     opts,
		fn:       fn,
		atBottom: true,
		state: RoomState{
			ChatID:       s.ChatID(),
			PeerPresence: model.Presence{State: model.PresenceUnknown},
		},
	}
}

func (r *Room) Stream() *Stream { return r.stream }

func (r *Room) Typing() *Typing { return r.typing }

func (r *Room) Reconciler() *Reconciler { return r.recon }

// State: копия текущего состояния.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Open открывает подписки и планирует отметку о прочтении через SettleDelay.
// При ошибке уже открытые подписки снимаются.
func (r *Room) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("room %s: %w", r.stream.ChatID(), ErrRoomClosed)
	}
	if r.opened {
		r.mu.Unlock()
		return fmt.Errorf("room %s: already opened", r.stream.ChatID())
	}
	r.opened = true
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	if r.unread != nil {
		r.unread.Open(r.stream.ChatID())
	}
	peer := r.stream.Peer()
	unsubPresence, err := WatchPresence(ctx, r.store, peer, r.onPresence)
	if err != nil {
		r.Close(ctx)
		return err
	}
	r.track(unsubPresence)

	unsubTyping, err := WatchTyping(ctx, r.store, r.stream.ChatID(), peer, r.onTyping)
	if err != nil {
		r.Close(ctx)
		return err
	}
	r.track(unsubTyping)

	unsubStream, err := r.stream.Subscribe(ctx, r.onMessages)
	if err != nil {
		r.Close(ctx)
		return err
	}
	r.track(unsubStream)

	r.recon.Enter(r.ctx)
	return nil
}

func (r *Room) track(unsub func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		unsub()
		return
	}
	r.unsubs = append(r.unsubs, unsub)
}

// SetAtBottom сообщает позицию прокрутки. Переход вниз сбрасывает NewBelow
// и запускает отметку о прочтении.
func (r *Room) SetAtBottom(ctx context.Context, atBottom bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	reached := atBottom && !r.atBottom
	r.atBottom = atBottom
	if atBottom {
		r.state.NewBelow = 0
	}
	r.mu.Unlock()
	r.emit()
	if reached {
		return r.recon.ScrolledToBottom(ctx)
	}
	return nil
}

func (r *Room) Send(ctx context.Context, text string) (model.Message, error) {
	m, err := r.stream.Append(ctx, model.Text{Body: text})
	if err != nil {
		return m, err
	}
	// Отправка очищает поле ввода.
	if err := r.typing.InputChanged(ctx, ""); err != nil {
		logger.Warnf("room: clear typing: %v", err)
	}
	return m, nil
}

func (r *Room) SendAudio(ctx context.Context, url string, duration int) (model.Message, error) {
	return r.stream.Append(ctx, model.Audio{URL: url, Duration: duration})
}

func (r *Room) Edit(ctx context.Context, id, text string) error {
	return r.stream.Edit(ctx, id, text)
}

func (r *Room) Delete(ctx context.Context, id string) error {
	return r.stream.Delete(ctx, id)
}

func (r *Room) React(ctx context.Context, id, emoji string) error {
	return r.stream.SetReaction(ctx, id, r.stream.Me(), emoji)
}

func (r *Room) InputChanged(ctx context.Context, text string) error {
	return r.typing.InputChanged(ctx, text)
}

func (r *Room) Focus(ctx context.Context) error { return r.typing.Focus(ctx) }

func (r *Room) Blur(ctx context.Context) error { return r.typing.Blur(ctx) }

// Close снимает все подписки, отменяет отложенные отметки и гасит свой флаг набора.
func (r *Room) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	cancel := r.cancel
	r.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if cancel != nil {
		cancel()
	}
	r.recon.Close()
	if r.unread != nil {
		r.unread.Close(r.stream.ChatID())
	}
	err := r.typing.Close(ctx)
	if err != nil && !errors.Is(err, realtime.ErrDisconnected) {
		return fmt.Errorf("room.Close: %w", err)
	}
	return nil
}

func (r *Room) onPresence(p model.Presence) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.state.PeerPresence = p
	r.mu.Unlock()
	r.emit()
}

func (r *Room) onTyping(typing bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.state.PeerTyping = typing
	r.mu.Unlock()
	r.emit()
}

func (r *Room) onMessages(msgs []model.Message, err error) {
	if err != nil {
		logger.Warnf("room %s: stream: %v", r.stream.ChatID(), err)
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if grown := len(msgs) - len(r.state.Messages); grown > 0 && !r.atBottom && r.state.Messages != nil {
		r.state.NewBelow += grown
	}
	r.state.Messages = msgs
	r.state.Items = LabelDays(msgs, r.opts.Now())
	atBottom := r.atBottom
	ctx := r.ctx
	r.mu.Unlock()

	if r.unread != nil {
		r.unread.Update(r.stream.ChatID(), msgs)
	}
	r.emit()
	if err := r.recon.MessagesChanged(ctx, msgs, atBottom); err != nil {
		logger.Debugf("room %s: receipts: %v", r.stream.ChatID(), err)
	}
}

// emit отдаёт снимок состояния; вызовы fn не пересекаются.
func (r *Room) emit() {
	if r.fn == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	st := r.state
	r.mu.Unlock()
	r.fn(st)
}
