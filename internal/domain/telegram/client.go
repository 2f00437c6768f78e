package telegram

import "gopkg.in/telebot.v3"

// Client sends messages to operator chats through the Telegram bot.
type Client interface {
	SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error
}
