package chat

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chatsync/internal/model"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	shortDate      = "Jan 2"
	clockTime      = "15:04"
)

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DayLabel: подпись календарного дня t относительно now (в часовом поясе now).
func DayLabel(t, now time.Time) string {
	t = t.In(now.Location())
	if sameDay(t, now) {
		return LabelToday
	}
	if sameDay(t, now.AddDate(0, 0, -1)) {
		return LabelYesterday
	}
	return t.Format(shortDate)
}

// LabelDays вставляет маркер дня перед первым сообщением каждой группы
// с одинаковой подписью. msgs должны быть упорядочены (см. DecodeMessages).
func LabelDays(msgs []model.Message, now time.Time) []model.Item {
	items := make([]model.Item, 0, len(msgs)+4)
	prev := ""
	for i := range msgs {
		m := &msgs[i]
		label := DayLabel(time.UnixMilli(m.Timestamp), now)
		if i == 0 || label != prev {
			items = append(items, model.Item{Kind: model.ItemDayLabel, Label: label, Message: m})
			prev = label
		}
		items = append(items, model.Item{Kind: model.ItemMessage, Message: m})
	}
	return items
}

// FormatMessageTime — время для списка чатов: "3 minutes ago" в пределах часа,
// часы:минуты сегодня, "Yesterday", иначе короткая дата.
func FormatMessageTime(ts int64, now time.Time) string {
	t := time.UnixMilli(ts).In(now.Location())
	if d := now.Sub(t); d >= 0 && d < time.Hour {
		return humanize.RelTime(t, now, "ago", "from now")
	}
	switch DayLabel(t, now) {
	case LabelToday:
		return t.Format(clockTime)
	case LabelYesterday:
		return LabelYesterday
	}
	return t.Format(shortDate)
}

// MessageClock: время под пузырём сообщения.
func MessageClock(ts int64, loc *time.Location) string {
	return time.UnixMilli(ts).In(loc).Format(clockTime)
}
