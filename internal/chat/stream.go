package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/realtime"
)

// Stream: поток сообщений беседы me ↔ peer.
type Stream struct {
	store  realtime.Store
	me     string
	peer   string
	chatID string
	now    func() time.Time
}

func NewStream(store realtime.Store, me, peer string, opts Options) *Stream {
	opts = opts.withDefaults()
	return &Stream{store: store, me: me, peer: peer, chatID: ChatID(me, peer), now: opts.Now}
}

func (s *Stream) ChatID() string { return s.chatID }

func (s *Stream) Me() string { return s.me }

func (s *Stream) Peer() string { return s.peer }

// Append создаёт сообщение со статусом sent и локальным временем отправителя.
// Ошибка транспорта возвращается как есть: повтор — решение вызывающего.
func (s *Stream) Append(ctx context.Context, content model.Content) (model.Message, error) {
	defer logger.DeferLogDuration("stream.Append", time.Now())()
	m := model.Message{
		Content:   content,
		From:      s.me,
		To:        s.peer,
		Timestamp: s.now().UnixMilli(),
		Status:    model.MessageStatusSent,
	}
	if err := m.Validate(); err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", ErrInvalidContent, err)
	}
	key, err := s.store.Push(ctx, MessagesPath(s.chatID), m)
	if err != nil {
		return model.Message{}, fmt.Errorf("stream.Append: %w", err)
	}
	m.ID = key
	return m, nil
}

// Get читает одно сообщение; для удалённого — realtime.ErrNotFound.
func (s *Stream) Get(ctx context.Context, id string) (model.Message, error) {
	snap, err := s.store.Get(ctx, MessagePath(s.chatID, id))
	if err != nil {
		return model.Message{}, fmt.Errorf("stream.Get: %w", err)
	}
	if !snap.Exists() {
		return model.Message{}, fmt.Errorf("stream.Get %s: %w", id, realtime.ErrNotFound)
	}
	var m model.Message
	if err := snap.Decode(&m); err != nil {
		return model.Message{}, fmt.Errorf("stream.Get %s: %w", id, err)
	}
	m.ID = id
	return m, nil
}

// Edit меняет текст своего сообщения. timestamp, status и reactions не трогаются.
func (s *Stream) Edit(ctx context.Context, id, text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidContent)
	}
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.From != s.me {
		return ErrNotSender
	}
	if m.Content.Type() != model.ContentTypeText {
		return fmt.Errorf("%w: only text messages can be edited", ErrInvalidContent)
	}
	err = s.store.Update(ctx, MessagePath(s.chatID, id), map[string]any{
		"text":     text,
		"edited":   true,
		"editedAt": s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("stream.Edit: %w", err)
	}
	return nil
}

// Delete удаляет запись без следа. Удаление уже удалённого — не ошибка.
func (s *Stream) Delete(ctx context.Context, id string) error {
	if err := s.store.Remove(ctx, MessagePath(s.chatID, id)); err != nil {
		return fmt.Errorf("stream.Delete: %w", err)
	}
	return nil
}

// SetReaction записывает reactions[userID] = emoji; последняя запись побеждает.
func (s *Stream) SetReaction(ctx context.Context, id, userID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("%w: empty reaction", ErrInvalidContent)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Set(ctx, ReactionPath(s.chatID, id, userID), emoji); err != nil {
		return fmt.Errorf("stream.SetReaction: %w", err)
	}
	return nil
}

// Subscribe доставляет всю беседу, упорядоченную по (timestamp, id), после каждого изменения.
func (s *Stream) Subscribe(ctx context.Context, fn func([]model.Message, error)) (func(), error) {
	return s.subscribe(ctx, realtime.At(MessagesPath(s.chatID)).OrderBy("timestamp"), fn)
}

// SubscribeLast: только n последних сообщений (превью в списке чатов).
func (s *Stream) SubscribeLast(ctx context.Context, n int, fn func([]model.Message, error)) (func(), error) {
	return s.subscribe(ctx, realtime.At(MessagesPath(s.chatID)).OrderBy("timestamp").Last(n), fn)
}

func (s *Stream) subscribe(ctx context.Context, q realtime.Query, fn func([]model.Message, error)) (func(), error) {
	unsub, err := s.store.Subscribe(ctx, q, func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, fmt.Errorf("stream %s: %w", s.chatID, err))
			return
		}
		fn(DecodeMessages(snap), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("stream.Subscribe %s: %w", s.chatID, err)
	}
	return unsub, nil
}

// Load: разовое чтение всей беседы.
func (s *Stream) Load(ctx context.Context) ([]model.Message, error) {
	snap, err := s.store.Get(ctx, MessagesPath(s.chatID))
	if err != nil {
		return nil, fmt.Errorf("stream.Load: %w", err)
	}
	return DecodeMessages(snap), nil
}

// DecodeMessages превращает снимок коллекции в упорядоченный список.
// Некорректные записи (например, осиротевшие реакции) пропускаются.
func DecodeMessages(snap realtime.Snapshot) []model.Message {
	children := snap.Children()
	out := make([]model.Message, 0, len(children))
	for _, c := range children {
		var m model.Message
		if err := c.Decode(&m); err != nil {
			if !errors.Is(err, model.ErrInvalidContent) {
				logger.Debugf("stream: skip %s: %v", c.Path, err)
			}
			continue
		}
		m.ID = c.Key()
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}
