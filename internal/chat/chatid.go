// Package chat: синхронизация двустороннего чата поверх realtime.Store:
// присутствие, индикатор набора, поток сообщений, отметки о прочтении,
// счётчик непрочитанных и разметка ленты по дням.
package chat

import "github.com/chatsync/internal/realtime"

// ChatID — симметричный ключ беседы, идентификаторы по возрастанию через "_".
func ChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

func StatusPath(uid string) string { return realtime.Join("status", uid) }

func MessagesPath(chatID string) string { return realtime.Join("chats", chatID, "messages") }

func MessagePath(chatID, messageID string) string {
	return realtime.Join("chats", chatID, "messages", messageID)
}

func ReactionPath(chatID, messageID, uid string) string {
	return realtime.Join("chats", chatID, "messages", messageID, "reactions", uid)
}

func TypingRoot(chatID string) string { return realtime.Join("chats", chatID, "typing") }

func TypingPath(chatID, uid string) string { return realtime.Join("chats", chatID, "typing", uid) }
