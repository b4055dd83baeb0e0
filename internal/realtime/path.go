package realtime

import (
	"fmt"
	"strings"
)

// Join склеивает сегменты пути, пропуская пустые.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Split возвращает сегменты пути; для корня — nil.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Clean убирает ведущий и завершающий слэш.
func Clean(path string) string { return strings.Trim(path, "/") }

// KeyOf: последний сегмент пути.
func KeyOf(path string) string {
	path = Clean(path)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns the path without its last segment ("" for top-level keys).
func Parent(path string) string {
	path = Clean(path)
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// ValidKey reports whether key can be used as a single path segment.
func ValidKey(key string) bool {
	if key == "" || len(key) > 768 {
		return false
	}
	return !strings.ContainsAny(key, "/.#$[]")
}

// ValidatePath проверяет, что каждый сегмент пути допустим. Корень ("") допустим.
func ValidatePath(path string) error {
	for _, seg := range Split(path) {
		if !ValidKey(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	if strings.Contains(Clean(path), "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// Related is true when a and b are the same node or one contains the other.
func Related(a, b string) bool {
	a, b = Clean(a), Clean(b)
	return IsWithin(a, b) || IsWithin(b, a)
}

// IsWithin is true when path equals root or lies beneath it.
func IsWithin(path, root string) bool {
	path, root = Clean(path), Clean(root)
	if root == "" || path == root {
		return true
	}
	return strings.HasPrefix(path, root+"/")
}
