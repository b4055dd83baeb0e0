package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username is already taken")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrValidation    = errors.New("validation failed")
)

// Error: ответ бэкенда с кодом ошибки. Kind — один из sentinel-ов пакета.
type Error struct {
	Op      string
	Status  int
	Message string
	Kind    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %v (%d)", e.Op, e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Kind }

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Message != "" {
		return eb.Message
	}
	return eb.Error
}

// isDuplicateUsername повторяет проверку текста ошибки, которую делает бэкенд-клиент регистрации.
func isDuplicateUsername(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "username") && (strings.Contains(m, "duplicate") || strings.Contains(m, "taken") || strings.Contains(m, "exists"))
}

// statusError переводит не-2xx ответ в *Error.
func statusError(op string, status int, body []byte) error {
	msg := errorMessage(body)
	var kind error
	switch {
	case status == http.StatusConflict || isDuplicateUsername(msg):
		kind = ErrUsernameTaken
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = ErrValidation
	case status >= 500:
		kind = ErrUnavailable
	default:
		kind = fmt.Errorf("unexpected status %d", status)
	}
	return &Error{Op: op, Status: status, Message: msg, Kind: kind}
}

// UserMessage: текст ошибки для показа пользователю.
func UserMessage(err error) string {
	var be *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUsernameTaken):
		return "Username is already taken."
	case errors.Is(err, ErrUnauthorized):
		return "Invalid username or password"
	case errors.Is(err, ErrUnavailable):
		return "Service is temporarily unavailable"
	case errors.As(err, &be) && be.Message != "":
		return be.Message
	}
	return err.Error()
}
