package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chatsync/internal/realtime"
)

// normalize приводит значение к JSON-дереву: числа json.Number, массивы — объекты с индексами,
// ServerTimestamp заменяется на now, пустые объекты схлопываются в nil.
func normalize(v any, now int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	if realtime.IsServerTimestamp(v) {
		return json.Number(strconv.FormatInt(now, 10)), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	tree, err := realtime.DecodeValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return walk(tree, now)
}

func walk(v any, now int64) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if realtime.IsServerTimestamp(x) {
			return json.Number(strconv.FormatInt(now, 10)), nil
		}
		out := make(map[string]any, len(x))
		for k, child := range x {
			if !realtime.ValidKey(k) {
				return nil, fmt.Errorf("%w: key %q", realtime.ErrInvalidPath, k)
			}
			c, err := walk(child, now)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case []any:
		m := make(map[string]any, len(x))
		for i, child := range x {
			m[strconv.Itoa(i)] = child
		}
		return walk(m, now)
	case string, bool, json.Number:
		return x, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// flatten раскладывает дерево в операции записи листьев.
func flatten(path string, v any, ops []Op) ([]Op, error) {
	switch x := v.(type) {
	case nil:
		return ops, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var err error
		for _, k := range keys {
			if ops, err = flatten(realtime.Join(path, k), x[k], ops); err != nil {
				return nil, err
			}
		}
		return ops, nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode leaf %s: %w", path, err)
		}
		return append(ops, Op{Kind: OpPut, Path: path, Value: raw}), nil
	}
}

// buildOps превращает изменения в пакет для Backend.Apply.
func buildOps(changes []realtime.Change) ([]Op, error) {
	var ops []Op
	for _, ch := range changes {
		segs := realtime.Split(ch.Path)
		for i := 1; i < len(segs); i++ {
			ops = append(ops, Op{Kind: OpDelete, Path: strings.Join(segs[:i], "/")})
		}
		ops = append(ops, Op{Kind: OpDeletePrefix, Path: ch.Path})
		var err error
		if ops, err = flatten(ch.Path, ch.Value, ops); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// assemble собирает значение узла root из листьев, полученных Scan(root).
func assemble(root string, leaves []Leaf) (any, error) {
	root = realtime.Clean(root)
	var tree map[string]any
	var scalar any
	for _, leaf := range leaves {
		v, err := realtime.DecodeValue(leaf.Value)
		if err != nil {
			return nil, fmt.Errorf("decode leaf %s: %w", leaf.Path, err)
		}
		rel := strings.TrimPrefix(realtime.Clean(leaf.Path), root)
		segs := realtime.Split(rel)
		if len(segs) == 0 {
			scalar = v
			continue
		}
		if tree == nil {
			tree = make(map[string]any)
		}
		node := tree
		for _, seg := range segs[:len(segs)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[seg] = next
			}
			node = next
		}
		node[segs[len(segs)-1]] = v
	}
	if tree != nil {
		return tree, nil
	}
	return scalar, nil
}

// lookup returns the value at the relative path segs inside v.
func lookup(v any, segs []string) any {
	for _, seg := range segs {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[seg]
	}
	return v
}

// orderKeys сортирует ключи детей по полю child (или по ключу) и обрезает до limit последних.
func orderKeys(m map[string]any, child string, limit int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	field := realtime.Split(child)
	sort.SliceStable(keys, func(i, j int) bool {
		if len(field) > 0 {
			if c := compareValues(lookup(m[keys[i]], field), lookup(m[keys[j]], field)); c != 0 {
				return c < 0
			}
		}
		return keys[i] < keys[j]
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return keys
}

// compareValues: отсутствие < false < true < числа < строки < объекты.
func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case json.Number:
		y := b.(json.Number)
		if xi, err := x.Int64(); err == nil {
			if yi, err := y.Int64(); err == nil {
				switch {
				case xi < yi:
					return -1
				case xi > yi:
					return 1
				}
				return 0
			}
		}
		xf, _ := x.Float64()
		yf, _ := y.Float64()
		switch {
		case xf < yf:
			return -1
		case xf > yf:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func valueRank(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 2
		}
		return 1
	case json.Number:
		return 3
	case string:
		return 4
	}
	return 5
}
