// Package rtclient: realtime.Store поверх ws-протокола сервера дерева.
//
// Запросы сопоставляются с ответами по id. Подписка получает id от клиента,
// поэтому события могут прийти раньше ответа на subscribe. Каждой подписке
// снимки доставляются последовательно в своей горутине: слушатель может
// сам писать в хранилище, не блокируя чтение соединения.
//
// При обрыве все ожидающие вызовы получают realtime.ErrDisconnected, каждый
// слушатель: ту же ошибку один раз. Переподключения нет.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/ws"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type Client struct {
	conn *websocket.Conn

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan ws.Frame
	subs    map[uint64]*subscriber
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ realtime.Store = (*Client)(nil)

// Dial подключается к url (ws://host/ws) с bearer-токеном.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("rtclient.Dial: %w: status %d", realtime.ErrPermissionDenied, resp.StatusCode)
		}
		return nil, fmt.Errorf("rtclient.Dial: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan ws.Frame),
		subs:    make(map[uint64]*subscriber),
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Done закрывается, когда соединение потеряно или закрыто.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close закрывает соединение. Слушатели не получают ошибку: закрытие штатное.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*subscriber)
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.lost()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				logger.Warnf("rtclient: read: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var f ws.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Warnf("rtclient: bad frame: %v", err)
			continue
		}
		c.route(f)
	}
}

func (c *Client) route(f ws.Frame) {
	switch f.Type {
	case ws.FrameResult, ws.FrameError:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case ws.FrameEvent:
		c.mu.Lock()
		s := c.subs[f.Sub]
		c.mu.Unlock()
		if s != nil && f.Snapshot != nil {
			s.deliver(*f.Snapshot, nil)
		}
	case ws.FrameSubError:
		c.mu.Lock()
		s := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if s != nil {
			s.deliver(realtime.Snapshot{}, ws.ErrorFromFrame(f))
		}
	}
}

// lost вызывается при потере соединения: вызовы получают ErrDisconnected через done, слушатели ту же ошибку.
func (c *Client) lost() {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*subscriber)
	c.pending = make(map[uint64]chan ws.Frame)
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
	if wasClosed {
		return
	}
	for _, s := range subs {
		s.deliver(realtime.Snapshot{}, realtime.ErrDisconnected)
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	tick := time.NewTicker(pingPeriod)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debugf("rtclient: ping: %v", err)
			}
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) write(req ws.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rtclient: encode %s: %w", req.Op, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return realtime.ErrDisconnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return realtime.ErrDisconnected
	}
	return nil
}

// call отправляет запрос и ждёт ответ с тем же id.
func (c *Client) call(ctx context.Context, req ws.Request) (ws.Frame, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan ws.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ws.Frame{}, realtime.ErrDisconnected
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}
	if err := c.write(req); err != nil {
		forget()
		return ws.Frame{}, err
	}
	select {
	case f := <-ch:
		if f.Type == ws.FrameError {
			return f, ws.ErrorFromFrame(f)
		}
		return f, nil
	case <-ctx.Done():
		forget()
		return ws.Frame{}, ctx.Err()
	case <-c.done:
		return ws.Frame{}, realtime.ErrDisconnected
	}
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, ws.Request{Op: ws.OpSet, Path: path, Value: value})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := c.call(ctx, ws.Request{Op: ws.OpUpdate, Path: path, Fields: fields})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, ws.Request{Op: ws.OpRemove, Path: path})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	f, err := c.call(ctx, ws.Request{Op: ws.OpPush, Path: path, Value: value})
	if err != nil {
		return "", err
	}
	return f.Key, nil
}

func (c *Client) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	return c.Query(ctx, realtime.At(path))
}

// Query: разовое чтение узла или упорядоченного окна детей.
func (c *Client) Query(ctx context.Context, q realtime.Query) (realtime.Snapshot, error) {
	req := ws.Request{Op: ws.OpGet, Path: q.Path}
	if q.Ordered() {
		req.Query = &q
	}
	f, err := c.call(ctx, req)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	if f.Snapshot == nil {
		return realtime.NewSnapshot(q.Path, nil, nil), nil
	}
	return *f.Snapshot, nil
}

func (c *Client) OnDisconnectSet(ctx context.Context, path string, value any) error {
	_, err := c.call(ctx, ws.Request{Op: ws.OpOnDisconnectSet, Path: path, Value: value})
	return err
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := c.call(ctx, ws.Request{Op: ws.OpOnDisconnectCancel, Path: path})
	return err
}

func (c *Client) Subscribe(ctx context.Context, q realtime.Query, fn realtime.Listener) (func(), error) {
	id := c.nextSub.Add(1)
	s := newSubscriber(fn)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, realtime.ErrDisconnected
	}
	c.subs[id] = s
	c.mu.Unlock()

	if _, err := c.call(ctx, ws.Request{Op: ws.OpSubscribe, Path: q.Path, Query: &q, Sub: id}); err != nil {
		c.drop(id)
		s.stop()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.stop()
			if !c.drop(id) {
				return
			}
			// ответ не ждём: локально подписка уже снята
			if err := c.write(ws.Request{ID: c.nextID.Add(1), Op: ws.OpUnsubscribe, Sub: id}); err != nil && !errors.Is(err, realtime.ErrDisconnected) {
				logger.Warnf("rtclient: unsubscribe %d: %v", id, err)
			}
		})
	}, nil
}

// drop снимает подписку из таблицы; false — её там уже не было.
func (c *Client) drop(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return !c.closed
}
