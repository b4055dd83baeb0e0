package model

import "strconv"

type ItemKind int

const (
	ItemMessage ItemKind = iota
	ItemDayLabel
)

// Item — элемент ленты чата: сообщение либо маркер дня перед первым сообщением группы.
// Для маркера Message указывает на первое сообщение группы.
type Item struct {
	Kind    ItemKind
	Label   string
	Message *Message
}

// Key: стабильный ключ элемента для отрисовки списка.
func (it Item) Key() string {
	if it.Message == nil {
		return "label-" + it.Label
	}
	if it.Kind == ItemDayLabel {
		return "label-" + it.Label + "-" + strconv.FormatInt(it.Message.Timestamp, 10)
	}
	return it.Message.ID
}
