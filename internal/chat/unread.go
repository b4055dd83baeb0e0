package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// UnreadCount: сколько сообщений адресовано viewer и ещё не прочитано.
func UnreadCount(msgs []model.Message, viewer string) int {
	n := 0
	for _, m := range msgs {
		if m.To == viewer && m.Status != model.MessageStatusRead {
			n++
		}
	}
	return n
}

// Unread держит счётчики непрочитанных по беседам одного пользователя.
// Пока беседа открыта, её счётчик показывается нулевым: отметки о прочтении
// ещё летят, а бейдж не должен мигать.
type Unread struct {
	viewer string

	mu     sync.Mutex
	counts map[string]int
	open   map[string]bool
	unsubs map[string]func()
	fn     func(chatID string, count, total int)
}

func NewUnread(viewer string) *Unread {
	return &Unread{
		viewer: viewer,
		counts: make(map[string]int),
		open:   make(map[string]bool),
		unsubs: make(map[string]func()),
	}
}

// OnChange задаёт callback, вызываемый при изменении видимого счётчика беседы.
func (u *Unread) OnChange(fn func(chatID string, count, total int)) {
	u.mu.Lock()
	u.fn = fn
	u.mu.Unlock()
}

// Update пересчитывает счётчик беседы по очередной эмиссии потока.
func (u *Unread) Update(chatID string, msgs []model.Message) {
	n := UnreadCount(msgs, u.viewer)
	u.mu.Lock()
	before := u.visibleLocked(chatID)
	u.counts[chatID] = n
	u.emitLocked(chatID, before)
}

// Count: видимый счётчик беседы (0 для открытой).
func (u *Unread) Count(chatID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.visibleLocked(chatID)
}

// Total: сумма видимых счётчиков по всем беседам.
func (u *Unread) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalLocked()
}

// Chats возвращает беседы с ненулевым видимым счётчиком, по возрастанию id.
func (u *Unread) Chats() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for id := range u.counts {
		if u.visibleLocked(id) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (u *Unread) Open(chatID string) {
	u.mu.Lock()
	before := u.visibleLocked(chatID)
	u.open[chatID] = true
	u.emitLocked(chatID, before)
}

func (u *Unread) Close(chatID string) {
	u.mu.Lock()
	before := u.visibleLocked(chatID)
	delete(u.open, chatID)
	u.emitLocked(chatID, before)
}

// Watch подписывает трекер на поток беседы. Возвращённая функция снимает подписку.
func (u *Unread) Watch(ctx context.Context, s *Stream) (func(), error) {
	chatID := s.ChatID()
	unsub, err := s.Subscribe(ctx, func(msgs []model.Message, err error) {
		if err != nil {
			logger.Warnf("unread: watch %s: %v", chatID, err)
			return
		}
		u.Update(chatID, msgs)
	})
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	if prev, ok := u.unsubs[chatID]; ok {
		prev()
	}
	u.unsubs[chatID] = unsub
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		delete(u.unsubs, chatID)
		u.mu.Unlock()
		unsub()
	}, nil
}

// Stop снимает все подписки, оформленные через Watch.
func (u *Unread) Stop() {
	u.mu.Lock()
	unsubs := u.unsubs
	u.unsubs = make(map[string]func())
	u.mu.Unlock()
	for _, f := range unsubs {
		f()
	}
}

func (u *Unread) visibleLocked(chatID string) int {
	if u.open[chatID] {
		return 0
	}
	return u.counts[chatID]
}

func (u *Unread) totalLocked() int {
	total := 0
	for id := range u.counts {
		total += u.visibleLocked(id)
	}
	return total
}

// emitLocked отпускает mu и вызывает callback, если видимый счётчик изменился.
func (u *Unread) emitLocked(chatID string, before int) {
	after := u.visibleLocked(chatID)
	total := u.totalLocked()
	fn := u.fn
	u.mu.Unlock()
	if fn != nil && after != before {
		fn(chatID, after, total)
	}
}
