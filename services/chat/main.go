// Терминальный клиент беседы двух пользователей поверх сервера дерева.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/chatsync/internal/backend"
	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/rtclient"
	"github.com/chatsync/internal/session"
)

const shortIDLen = 6

func main() {
	logger.SetPrefix("chat")
	server := flag.String("server", "ws://localhost:8090/ws", "realtime server websocket URL")
	backendURL := flag.String("backend", "", "users backend base URL (empty: dev token from the realtime server)")
	user := flag.String("user", "", "user id (with -token or dev token) or username (with -backend)")
	password := flag.String("password", "", "password for -backend login")
	peer := flag.String("peer", "", "peer user id")
	token := flag.String("token", "", "realtime bearer token; skips login")
	flag.Parse()

	if *user == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -user <id> -peer <id> [-token <jwt> | -backend <url> -password <pw>]")
		os.Exit(2)
	}
	logger.SetOutput(os.Stderr)
	logger.SetLevel("warn")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uid, jwt, err := authenticate(ctx, *server, *backendURL, *user, *password, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}
	if err := run(ctx, *server, jwt, uid, *peer); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}

// authenticate возвращает id пользователя и токен для сервера дерева.
func authenticate(ctx context.Context, server, backendURL, user, password, token string) (string, string, error) {
	if token != "" {
		return user, token, nil
	}
	if backendURL != "" {
		s := session.New(backend.New(backend.Config{BaseURL: backendURL}))
		if err := s.Login(ctx, user, password); err != nil {
			return "", "", errors.New(backend.UserMessage(err))
		}
		return s.UserID(), s.Token(), nil
	}
	return devToken(ctx, server, user)
}

func devToken(ctx context.Context, server, user string) (string, string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/dev/token"

	var out struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	resp, err := resty.New().SetTimeout(10*time.Second).R().
		SetContext(ctx).
		SetBody(map[string]string{"user_id": user}).
		SetResult(&out).
		Post(u.String())
	if err != nil {
		return "", "", fmt.Errorf("dev token: %w", err)
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("dev token: status %d (is the server running with -dev?)", resp.StatusCode())
	}
	return out.UserID, out.Token, nil
}

func run(ctx context.Context, server, token, uid, peer string) error {
	client, err := rtclient.Dial(ctx, server, token)
	if err != nil {
		return err
	}
	defer client.Close()

	presence := chat.NewPresence(client, uid)
	if err := presence.Start(ctx); err != nil {
		return fmt.Errorf("presence: %w", err)
	}

	p := newPrinter(uid, peer)
	room := chat.NewRoom(client, uid, peer, chat.NewUnread(uid), chat.Options{}, p.render)
	if err := room.Open(ctx); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	fmt.Printf("chat %s with %s. /edit <id> <text>, /del <id>, /react <id> <emoji>, /quit\n", room.State().ChatID, peer)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-client.Done():
			fmt.Println("connection lost")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(ctx, room, line); quit {
				break loop
			}
		}
	}

	// выход: снимаем флаг набора и подписки, пишем offline
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := room.Close(closeCtx); err != nil {
		logger.Warnf("close room: %v", err)
	}
	if err := presence.Stop(closeCtx); err != nil {
		logger.Warnf("presence stop: %v", err)
	}
	return nil
}

func handleLine(ctx context.Context, room *chat.Room, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := room.InputChanged(ctx, line); err != nil {
			logger.Warnf("typing: %v", err)
		}
		if _, err := room.Send(ctx, line); err != nil {
			fmt.Printf("! send: %v\n", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	arg, tail, _ := strings.Cut(strings.TrimSpace(rest), " ")
	tail = strings.TrimSpace(tail)
	var err error
	switch cmd {
	case "/quit":
		return true
	case "/edit":
		var id string
		if id, err = resolveID(room, arg); err == nil {
			err = room.Edit(ctx, id, tail)
		}
	case "/del":
		var id string
		if id, err = resolveID(room, arg); err == nil {
			err = room.Delete(ctx, id)
		}
	case "/react":
		var id string
		if id, err = resolveID(room, arg); err == nil {
			err = room.React(ctx, id, tail)
		}
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		fmt.Printf("! %s: %v\n", cmd, err)
	}
	return false
}

// resolveID находит сообщение по хвосту id, который показывает лента.
func resolveID(room *chat.Room, short string) (string, error) {
	if short == "" {
		return "", errors.New("message id required")
	}
	var found string
	for _, m := range room.State().Messages {
		if strings.HasSuffix(m.ID, short) {
			if found != "" {
				return "", fmt.Errorf("ambiguous id %s", short)
			}
			found = m.ID
		}
	}
	if found == "" {
		return "", fmt.Errorf("no message %s", short)
	}
	return found, nil
}

// printer печатает изменения состояния беседы построчно.
type printer struct {
	me, peer string

	mu       sync.Mutex
	seen     map[string]model.Message
	presence model.PresenceState
	typing   bool
}

func newPrinter(me, peer string) *printer {
	return &printer{me: me, peer: peer, seen: make(map[string]model.Message)}
}

func (p *printer) render(st chat.RoomState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()

	if st.PeerPresence.State != p.presence {
		p.presence = st.PeerPresence.State
		line := fmt.Sprintf("* %s is %s", p.peer, p.presence)
		if p.presence == model.PresenceOffline && st.PeerPresence.LastChanged > 0 {
			line += ", last seen " + chat.FormatMessageTime(st.PeerPresence.LastChanged, now)
		}
		fmt.Println(line)
	}
	if st.PeerTyping != p.typing {
		p.typing = st.PeerTyping
		if p.typing {
			fmt.Printf("* %s is typing...\n", p.peer)
		}
	}

	current := make(map[string]struct{}, len(st.Messages))
	for _, it := range st.Items {
		if it.Kind == model.ItemDayLabel {
			if it.Message != nil {
				if _, ok := p.seen[it.Message.ID]; !ok {
					fmt.Printf("---- %s ----\n", it.Label)
				}
			}
			continue
		}
		m := *it.Message
		current[m.ID] = struct{}{}
		prev, ok := p.seen[m.ID]
		p.seen[m.ID] = m
		switch {
		case !ok:
			fmt.Println(p.format(m))
		case prev.Edited != m.Edited || prev.EditedAt != m.EditedAt || prev.Text() != m.Text():
			fmt.Println(p.format(m))
		case prev.Status != m.Status && m.From == p.me:
			fmt.Printf("  [%s] %s\n", shortID(m.ID), ticks(m.Status))
		case !sameReactions(prev.Reactions, m.Reactions):
			fmt.Println(p.format(m))
		}
	}
	for id := range p.seen {
		if _, ok := current[id]; !ok {
			delete(p.seen, id)
			fmt.Printf("  [%s] deleted\n", shortID(id))
		}
	}
	if st.NewBelow > 0 {
		fmt.Printf("* %d new below\n", st.NewBelow)
	}
}

func (p *printer) format(m model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: %s", shortID(m.ID), chat.MessageClock(m.Timestamp, time.Local), m.From, m.Preview())
	if m.Edited {
		b.WriteString(" (edited)")
	}
	if m.From == p.me {
		b.WriteString(" " + ticks(m.Status))
	}
	for who, emoji := range m.Reactions {
		fmt.Fprintf(&b, " %s:%s", who, emoji)
	}
	return b.String()
}

func ticks(s model.MessageStatus) string {
	switch s {
	case model.MessageStatusRead:
		return "✓✓"
	case model.MessageStatusDelivered:
		return "✓"
	}
	return "·"
}

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[len(id)-shortIDLen:]
}

func sameReactions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
