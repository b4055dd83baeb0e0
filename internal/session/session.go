// Package session: контекст личности: текущий пользователь и токен.
// Создаётся явно и передаётся тем, кому нужен.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chatsync/internal/backend"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

var ErrNotAuthenticated = errors.New("session: not authenticated")

// Backend: часть REST-клиента, которая нужна сессии.
type Backend interface {
	Login(ctx context.Context, username, password string) (backend.AuthResult, error)
	Register(ctx context.Context, req backend.RegisterRequest) (backend.AuthResult, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	UpdateUser(ctx context.Context, id string, patch model.UserPatch) (model.User, error)
	SetToken(token string)
}

type Session struct {
	api Backend

	mu    sync.RWMutex
	user  *model.User
	token string
	// onChange вызывается после входа, выхода и обновления профиля.
	onChange []func(u *model.User)
}

func New(api Backend) *Session {
	return &Session{api: api}
}

// OnChange подписывает fn на смену пользователя (nil — выход).
func (s *Session) OnChange(fn func(u *model.User)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Session) set(u *model.User, token string) {
	s.mu.Lock()
	s.user = u
	s.token = token
	listeners := s.onChange
	s.mu.Unlock()
	s.api.SetToken(token)
	for _, fn := range listeners {
		fn(u)
	}
}

func (s *Session) Login(ctx context.Context, username, password string) error {
	res, err := s.api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("session.Login: %w", err)
	}
	u := res.User
	s.set(&u, res.Token)
	logger.Infof("session: login user=%s", u.ID)
	return nil
}

// Register создаёт пользователя и сразу входит под ним.
// Занятое имя даёт backend.ErrUsernameTaken ("Username is already taken.").
func (s *Session) Register(ctx context.Context, req backend.RegisterRequest) error {
	res, err := s.api.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("session.Register: %w", err)
	}
	u := res.User
	s.set(&u, res.Token)
	logger.Infof("session: registered user=%s", u.ID)
	return nil
}

func (s *Session) Logout() {
	s.mu.RLock()
	was := s.user
	s.mu.RUnlock()
	if was == nil {
		return
	}
	s.set(nil, "")
	logger.Infof("session: logout user=%s", was.ID)
}

// User: копия текущего пользователя; false, если вход не выполнен.
func (s *Session) User() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return model.User{}, false
	}
	return *s.user, true
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// UpdateProfile отправляет изменения на бэкенд и вливает ответ в сессию.
func (s *Session) UpdateProfile(ctx context.Context, patch model.UserPatch) (model.User, error) {
	cur, ok := s.User()
	if !ok {
		return model.User{}, ErrNotAuthenticated
	}
	updated, err := s.api.UpdateUser(ctx, cur.ID, patch)
	if err != nil {
		return model.User{}, fmt.Errorf("session.UpdateProfile: %w", err)
	}
	next := patch.Apply(cur)
	if updated.ID == cur.ID && updated.Username != "" {
		next = merge(next, updated)
	}
	s.mu.Lock()
	// между запросом мог случиться выход или вход другого пользователя
	if s.user == nil || s.user.ID != cur.ID {
		s.mu.Unlock()
		return next, nil
	}
	token := s.token
	s.mu.Unlock()
	s.set(&next, token)
	return next, nil
}

// Refresh перечитывает профиль с бэкенда.
func (s *Session) Refresh(ctx context.Context) error {
	cur, ok := s.User()
	if !ok {
		return ErrNotAuthenticated
	}
	fresh, err := s.api.GetUser(ctx, cur.ID)
	if err != nil {
		return fmt.Errorf("session.Refresh: %w", err)
	}
	fresh = merge(cur, fresh)
	s.mu.Lock()
	if s.user == nil || s.user.ID != cur.ID {
		s.mu.Unlock()
		return nil
	}
	token := s.token
	s.mu.Unlock()
	s.set(&fresh, token)
	return nil
}

// merge переносит непустые поля src поверх dst.
func merge(dst, src model.User) model.User {
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Alias != "" {
		dst.Alias = src.Alias
	}
	if src.Bio != "" {
		dst.Bio = src.Bio
	}
	if src.Avatar != "" {
		dst.Avatar = src.Avatar
	}
	if src.Role != "" {
		dst.Role = src.Role
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	return dst
}
