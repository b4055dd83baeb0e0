package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot: неизменяемое значение узла на момент чтения.
// Value: JSON-дерево (map[string]any, string, json.Number, bool); nil — узла нет.
// Order задан для упорядоченных запросов и перечисляет ключи детей в порядке выдачи.
type Snapshot struct {
	Path  string   `json:"path"`
	Value any      `json:"value,omitempty"`
	Order []string `json:"order,omitempty"`
}

func NewSnapshot(path string, value any, order []string) Snapshot {
	return Snapshot{Path: Clean(path), Value: value, Order: order}
}

func (s Snapshot) Key() string { return KeyOf(s.Path) }

func (s Snapshot) Exists() bool { return s.Value != nil }

// Decode декодирует значение в v. Для отсутствующего узла — ErrNotFound.
func (s Snapshot) Decode(v any) error {
	if s.Value == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, s.Path)
	}
	data, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("realtime.Decode %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("realtime.Decode %s: %w", s.Path, err)
	}
	return nil
}

// Child: снимок дочернего узла (возможно, отсутствующего).
func (s Snapshot) Child(key string) Snapshot {
	m, _ := s.Value.(map[string]any)
	return Snapshot{Path: Join(s.Path, key), Value: m[key]}
}

// Children перечисляет детей: в порядке запроса, если он есть, иначе по ключу.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := s.Order
	if keys == nil {
		keys = make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		out = append(out, Snapshot{Path: Join(s.Path, k), Value: v})
	}
	return out
}

// UnmarshalJSON keeps numbers as json.Number so epoch milliseconds survive the wire intact.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var aux struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
		Order []string        `json:"order"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Path, s.Order, s.Value = aux.Path, aux.Order, nil
	if len(aux.Value) == 0 || string(aux.Value) == "null" {
		return nil
	}
	v, err := DecodeValue(aux.Value)
	if err != nil {
		return err
	}
	s.Value = v
	return nil
}

// DecodeValue разбирает JSON в дерево с числами json.Number.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
