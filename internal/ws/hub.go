package ws

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/storage"
)

const opTimeout = 5 * time.Second

type Options struct {
	MaxConns int
	// OpsPerSecond ограничивает запросы одного соединения; 0 — без ограничения.
	OpsPerSecond   int
	SendBuffer     int
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	return o
}

// Hub держит ws-соединения и выполняет их запросы над деревом.
type Hub struct {
	tree *storage.Tree
	opts Options

	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	register   chan *Client
	unregister chan *Client
	// stopping закрывается до ожидания клиентов в shutdown: Run больше не читает unregister.
	stopping chan struct{}
	done     chan struct{}
}

func NewHub(tree *storage.Tree, opts Options) *Hub {
	return &Hub{
		tree:       tree,
		opts:       opts.withDefaults(),
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			close(h.stopping)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	allClients = h.drainRegister(allClients)
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
	// Register мог успеть положить клиента в буфер уже после первого прохода.
	for _, c := range h.drainRegister(nil) {
		c.Close()
		c.Wait()
	}
}

func (h *Hub) drainRegister(dst []*Client) []*Client {
	for {
		select {
		case c := <-h.register:
			dst = append(dst, c)
		default:
			return dst
		}
	}
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// соединение закрылось раньше регистрации
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws connected user=%s", c.userID)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	logger.Debugf("ws disconnected user=%s", c.userID)
}

// Connections: число зарегистрированных соединений.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage выполняет один запрос клиента и отправляет ответ.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, req Request) {
	started := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res Frame
		err error
	)
	switch req.Op {
	case OpSet:
		err = c.store.Set(opCtx, req.Path, req.Value)
	case OpUpdate:
		err = c.store.Update(opCtx, req.Path, req.Fields)
	case OpRemove:
		err = c.store.Remove(opCtx, req.Path)
	case OpPush:
		res.Key, err = c.store.Push(opCtx, req.Path, req.Value)
	case OpGet:
		var snap realtime.Snapshot
		if req.Query != nil && req.Query.Ordered() {
			snap, err = c.store.Query(opCtx, *req.Query)
		} else {
			snap, err = c.store.Get(opCtx, req.Path)
		}
		if err == nil {
			res.Snapshot = &snap
		}
	case OpSubscribe:
		err = h.subscribe(opCtx, c, req)
	case OpUnsubscribe:
		if unsub, ok := c.dropSub(req.Sub); ok {
			unsub()
		}
	case OpOnDisconnectSet:
		err = c.store.OnDisconnectSet(opCtx, req.Path, req.Value)
	case OpOnDisconnectCancel:
		err = c.store.CancelOnDisconnect(opCtx, req.Path)
	default:
		err = ErrBadRequest
	}

	metrics.ObserveOp(string(req.Op), ErrorCode(err), started)
	if err != nil {
		logger.Debugf("ws op=%s path=%s user=%s: %v", req.Op, req.Path, c.userID, err)
		h.sendToClient(c, errorFrame(req.ID, err))
		return
	}
	res.Type = FrameResult
	res.ID = req.ID
	res.Sub = req.Sub
	h.sendToClient(c, res)
}

func (h *Hub) subscribe(ctx context.Context, c *Client, req Request) error {
	if req.Sub == 0 {
		return ErrBadRequest
	}
	q := realtime.At(req.Path)
	if req.Query != nil {
		q = *req.Query
	}
	// Слот занимаем до Subscribe: первый снимок может прийти раньше, чем мы вернёмся.
	if !c.addSub(req.Sub, func() {}) {
		return ErrBadRequest
	}
	sub := req.Sub
	unsub, err := c.store.Subscribe(ctx, q, func(snap realtime.Snapshot, err error) {
		if err != nil {
			c.dropSub(sub)
			h.sendToClient(c, Frame{Type: FrameSubError, Sub: sub, Error: err.Error(), Code: ErrorCode(err)})
			return
		}
		h.sendToClient(c, Frame{Type: FrameEvent, Sub: sub, Snapshot: &snap})
	})
	if err != nil {
		c.dropSub(sub)
		return err
	}
	c.subMu.Lock()
	if _, ok := c.subs[sub]; ok {
		c.subs[sub] = unsub
		c.subMu.Unlock()
		return nil
	}
	c.subMu.Unlock()
	// отписка или ошибка подписки случились раньше
	unsub()
	return nil
}

func (h *Hub) sendToClient(c *Client, msg Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case <-h.stopping:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.stopping:
		c.Close()
	}
}

// Unregister не блокируется после начала остановки: shutdown сам закрывает всех клиентов.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}
