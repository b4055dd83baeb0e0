package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/chatsync/internal/model"
)

type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email    string     `json:"email,omitempty" validate:"omitempty,email"`
	Password string     `json:"password" validate:"required,strongpassword"`
	Username string     `json:"username" validate:"required,username"`
	Role     model.Role `json:"role" validate:"required,oneof=creator fan"`
	Alias    string     `json:"alias,omitempty" validate:"max=64"`
}

// AuthResult: ответ входа и регистрации.
type AuthResult struct {
	Token string
	User  model.User
}

// parseAuth принимает {"token", "user"} и вариант, где пользователь лежит на верхнем уровне.
func parseAuth(op string, body []byte) (AuthResult, error) {
	var aux struct {
		Token string      `json:"token"`
		User  *model.User `json:"user"`
		Data  *model.User `json:"data"`
	}
	if err := json.Unmarshal(body, &aux); err != nil {
		return AuthResult{}, fmt.Errorf("backend.%s: decode: %w", op, err)
	}
	res := AuthResult{Token: aux.Token}
	switch {
	case aux.User != nil:
		res.User = *aux.User
	case aux.Data != nil:
		res.User = *aux.Data
	default:
		if err := json.Unmarshal(body, &res.User); err != nil {
			return AuthResult{}, fmt.Errorf("backend.%s: decode user: %w", op, err)
		}
	}
	if res.User.ID == "" {
		return AuthResult{}, fmt.Errorf("backend.%s: response without user id", op)
	}
	return res, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (AuthResult, error) {
	cred := Credentials{Username: username, Password: password}
	if err := validateStruct(cred); err != nil {
		return AuthResult{}, err
	}
	body, err := c.do(ctx, "Login", http.MethodPost, "/api/auth/login", func(r *resty.Request) {
		r.SetBody(cred)
	})
	if err != nil {
		return AuthResult{}, err
	}
	return parseAuth("Login", body)
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (AuthResult, error) {
	req.Role = model.NormalizeRole(string(req.Role))
	if err := validateStruct(req); err != nil {
		return AuthResult{}, err
	}
	body, err := c.do(ctx, "Register", http.MethodPost, "/api/user", func(r *resty.Request) {
		r.SetBody(req)
	})
	if err != nil {
		return AuthResult{}, err
	}
	return parseAuth("Register", body)
}

func (c *Client) GetUser(ctx context.Context, id string) (model.User, error) {
	body, err := c.do(ctx, "GetUser", http.MethodGet, "/api/user/{id}", func(r *resty.Request) {
		r.SetPathParam("id", id)
	})
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	return u, decode("GetUser", body, &u)
}

// UpdateUser отправляет частичное обновление и возвращает пользователя после него.
// Бэкенд хранит аватар списком имён файлов.
func (c *Client) UpdateUser(ctx context.Context, id string, patch model.UserPatch) (model.User, error) {
	if patch.Username != nil {
		if err := validateVar(*patch.Username, "username"); err != nil {
			return model.User{}, err
		}
	}
	payload := map[string]any{}
	if patch.Username != nil {
		payload["username"] = *patch.Username
	}
	if patch.Alias != nil {
		payload["alias"] = *patch.Alias
	}
	if patch.Bio != nil {
		payload["bio"] = *patch.Bio
	}
	if patch.Avatar != nil {
		list, _ := json.Marshal([]string{*patch.Avatar})
		payload["avatar"] = string(list)
	}
	body, err := c.do(ctx, "UpdateUser", http.MethodPut, "/api/user/{id}", func(r *resty.Request) {
		r.SetPathParam("id", id).SetBody(payload)
	})
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	if err := decode("UpdateUser", body, &u); err != nil {
		return model.User{}, err
	}
	if u.ID == "" {
		// бэкенд ответил без тела пользователя
		u.ID = id
	}
	return u, nil
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	_, err := c.do(ctx, "DeleteUser", http.MethodDelete, "/api/user/{id}", func(r *resty.Request) {
		r.SetPathParam("id", id)
	})
	return err
}

// ListUsers: все пользователи; исключать себя — дело вызывающего.
func (c *Client) ListUsers(ctx context.Context) ([]model.User, error) {
	body, err := c.do(ctx, "ListUsers", http.MethodGet, "/api/users", nil)
	if err != nil {
		return nil, err
	}
	var users []model.User
	return users, decode("ListUsers", body, &users)
}

// CheckUsername сообщает, свободно ли имя.
func (c *Client) CheckUsername(ctx context.Context, username string) (bool, error) {
	if err := validateVar(username, "username"); err != nil {
		return false, err
	}
	body, err := c.do(ctx, "CheckUsername", http.MethodGet, "/api/user/check-username", func(r *resty.Request) {
		r.SetQueryParam("username", username)
	})
	if err != nil {
		return false, err
	}
	var res struct {
		Available bool `json:"available"`
	}
	return res.Available, decode("CheckUsername", body, &res)
}

// UploadFile загружает файл и возвращает имя, под которым его сохранил бэкенд.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) (string, error) {
	body, err := c.do(ctx, "UploadFile", http.MethodPost, "/api/file/upload", func(req *resty.Request) {
		req.SetFileReader("file", filename, r)
	})
	if err != nil {
		return "", err
	}
	var res struct {
		Filename string `json:"filename"`
	}
	if err := decode("UploadFile", body, &res); err != nil {
		return "", err
	}
	if res.Filename == "" {
		return "", fmt.Errorf("backend.UploadFile: response without filename")
	}
	return res.Filename, nil
}
