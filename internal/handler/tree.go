package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/storage"
)

const maxBodySize = 1 << 20

// TreeHandler: REST-доступ к дереву для утилит и отладки; те же правила, что и у ws.
type TreeHandler struct {
	tree *storage.Tree
}

func NewTreeHandler(tree *storage.Tree) *TreeHandler {
	return &TreeHandler{tree: tree}
}

// Routes монтирует GET/PUT/PATCH/POST/DELETE /*.
func (h *TreeHandler) Routes(r chi.Router) {
	r.Get("/*", h.Get)
	r.Put("/*", h.Put)
	r.Patch("/*", h.Patch)
	r.Post("/*", h.Post)
	r.Delete("/*", h.Delete)
}

// conn открывает соединение на время запроса. Действий при обрыве у него нет, Close только снимает его.
func (h *TreeHandler) conn(r *http.Request) *storage.Conn {
	return h.tree.Connect(middleware.GetUserID(r.Context()))
}

func treePath(r *http.Request) string {
	return realtime.Clean(chi.URLParam(r, "*"))
}

func readValue(w http.ResponseWriter, r *http.Request) (any, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return nil, false
	}
	v, err := realtime.DecodeValue(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return nil, false
	}
	return v, true
}

// Get отдаёт снимок; ?orderBy=child&limitToLast=n — упорядоченное окно детей.
func (h *TreeHandler) Get(w http.ResponseWriter, r *http.Request) {
	c := h.conn(r)
	defer c.Close()
	q := realtime.At(treePath(r))
	if by := r.URL.Query().Get("orderBy"); by != "" {
		q = q.OrderBy(by)
	}
	if n := queryInt(r, "limitToLast", 0); n > 0 {
		q = q.Last(n)
	}
	var (
		snap realtime.Snapshot
		err  error
	)
	if q.Ordered() {
		snap, err = c.Query(r.Context(), q)
	} else {
		snap, err = c.Get(r.Context(), q.Path)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *TreeHandler) Put(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	c := h.conn(r)
	defer c.Close()
	if err := c.Set(r.Context(), treePath(r), v); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TreeHandler) Patch(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	fields, isObject := v.(map[string]any)
	if !isObject {
		writeError(w, http.StatusBadRequest, "patch body must be an object")
		return
	}
	c := h.conn(r)
	defer c.Close()
	if err := c.Update(r.Context(), treePath(r), fields); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Post добавляет дочернюю запись с ключом push и возвращает {"key": ...}.
func (h *TreeHandler) Post(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	c := h.conn(r)
	defer c.Close()
	key, err := c.Push(r.Context(), treePath(r), v)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (h *TreeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c := h.conn(r)
	defer c.Close()
	if err := c.Remove(r.Context(), treePath(r)); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
