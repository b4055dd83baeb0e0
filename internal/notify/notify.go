// Package notify отправляет пуш получателю нового сообщения, если тот не в сети.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/storage"
)

const (
	queueSize     = 1024
	workers       = 4
	notifyTimeout = 10 * time.Second
)

// Pusher: клиент пуш-сервиса.
type Pusher interface {
	Notify(ctx context.Context, req push.NotifyRequest) error
}

type job struct {
	chatID string
	msg    model.Message
}

// Watcher следит за коммитами дерева и ставит в очередь новые сообщения.
type Watcher struct {
	tree   *storage.Tree
	pusher Pusher
	queue  chan job

	mu      sync.Mutex
	dropped int
}

func New(tree *storage.Tree, pusher Pusher) *Watcher {
	w := &Watcher{tree: tree, pusher: pusher, queue: make(chan job, queueSize)}
	tree.OnCommit(w.observe)
	return w
}

// newMessage распознаёт создание записи chats/{chat}/messages/{id} целиком.
// Правки полей (status, text, reactions) приходят путями глубже и сюда не попадают.
func newMessage(ch realtime.Change) (job, bool) {
	segs := realtime.Split(ch.Path)
	if len(segs) != 4 || segs[0] != "chats" || segs[2] != "messages" || ch.Value == nil {
		return job{}, false
	}
	var msg model.Message
	if err := realtime.NewSnapshot(ch.Path, ch.Value, nil).Decode(&msg); err != nil {
		return job{}, false
	}
	msg.ID = segs[3]
	return job{chatID: segs[1], msg: msg}, true
}

// observe вызывается под блокировкой записи дерева: только ставит в очередь, без ожидания.
func (w *Watcher) observe(c storage.Commit) {
	// удалённый коммит обслужит экземпляр, который его принял
	if c.Remote {
		return
	}
	for _, ch := range c.Changes {
		j, ok := newMessage(ch)
		if !ok {
			continue
		}
		select {
		case w.queue <- j:
		default:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
			metrics.PushSent.WithLabelValues("dropped").Inc()
		}
	}
}

// Run обрабатывает очередь до отмены ctx.
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case j := <-w.queue:
			g.Go(func() error {
				w.handle(gctx, j)
				return nil
			})
		}
	}
}

func (w *Watcher) handle(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	snap, err := w.tree.System().Get(ctx, realtime.Join("status", j.msg.To))
	if err != nil {
		logger.Warnf("notify: presence of %s: %v", j.msg.To, err)
	}
	var p model.Presence
	if err == nil && snap.Decode(&p) == nil && p.Online() {
		metrics.PushSent.WithLabelValues("skipped").Inc()
		return
	}
	err = w.pusher.Notify(ctx, push.NotifyRequest{
		UserID: j.msg.To,
		Title:  j.msg.From,
		Body:   j.msg.Preview(),
		Data:   map[string]string{"chat_id": j.chatID, "message_id": j.msg.ID, "from": j.msg.From},
	})
	if err != nil {
		logger.Warnf("notify: push to %s: %v", j.msg.To, err)
		metrics.PushSent.WithLabelValues("failed").Inc()
		return
	}
	metrics.PushSent.WithLabelValues("sent").Inc()
}

// Dropped: число сообщений, не попавших в переполненную очередь.
func (w *Watcher) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
