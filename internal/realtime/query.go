package realtime

// Query: подписка на узел или упорядоченное окно его детей.
type Query struct {
	Path         string `json:"path"`
	OrderByChild string `json:"orderByChild,omitempty"`
	LimitToLast  int    `json:"limitToLast,omitempty"`
}

// At: подписка на значение узла целиком.
func At(path string) Query { return Query{Path: path} }

// OrderBy сортирует детей по полю child по возрастанию, при равенстве по ключу.
func (q Query) OrderBy(child string) Query {
	q.OrderByChild = child
	return q
}

// Last оставляет n последних детей в порядке сортировки.
func (q Query) Last(n int) Query {
	q.LimitToLast = n
	return q
}

// Ordered is true when the snapshot carries an explicit child order.
func (q Query) Ordered() bool { return q.OrderByChild != "" || q.LimitToLast > 0 }
