// Package notify sends out-of-band alerts to table admins over Telegram.
package notify

import (
	"fmt"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const maxChatIDs = 3

// TelegramNotifier handles sending notifications to multiple chats
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
}

func NewTelegramNotifier(botToken string, chatIDs []int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &TelegramNotifier{
		bot:     bot,
		chatIDs: chatIDs,
	}, nil
}

// ChatIDsFromEnv reads TELEGRAM_CHAT_ID_1..3, skipping malformed values.
func ChatIDsFromEnv() []int64 {
	var chatIDs []int64
	for i := 1; i <= maxChatIDs; i++ {
		chatIDStr := os.Getenv(fmt.Sprintf("TELEGRAM_CHAT_ID_%d", i))
		if chatIDStr == "" {
			continue
		}
		chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			log.Errorf("Invalid TELEGRAM_CHAT_ID_%d format: %v", i, err)
			continue
		}
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs
}

// FromEnv returns nil when the bot token or the chat ids are missing; alerts are optional.
func FromEnv() *TelegramNotifier {
	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return nil
	}

	chatIDs := ChatIDsFromEnv()
	if len(chatIDs) == 0 {
		log.Warn("No valid telegram chat IDs found, notifications disabled")
		return nil
	}

	notifier, err := NewTelegramNotifier(botToken, chatIDs)
	if err != nil {
		log.Errorf("Failed to initialize Telegram notifier: %v", err)
		return nil
	}

	log.Infof("Telegram notifier initialized with %d chat IDs", len(chatIDs))
	return notifier
}

// SendNotification sends message to every configured chat without waiting.
func (tn *TelegramNotifier) SendNotification(message string) {
	if tn == nil || tn.bot == nil {
		return
	}

	for _, chatID := range tn.chatIDs {
		go func(cid int64) {
			msg := tgbotapi.NewMessage(cid, message)
			msg.ParseMode = tgbotapi.ModeMarkdown
			if _, err := tn.bot.Send(msg); err != nil {
				log.Errorf("Failed to send telegram message to chat %d: %v", cid, err)
			}
		}(chatID)
	}
}

func (tn *TelegramNotifier) BuyInRequested(tableName, playerName string, amount decimal.Decimal) {
	tn.SendNotification(FormatBuyInRequested(tableName, playerName, amount))
}

func FormatBuyInRequested(tableName, playerName string, amount decimal.Decimal) string {
	verb := "buy-in"
	if amount.IsNegative() {
		verb = "cash-out"
	}
	return fmt.Sprintf("🃏 *%s* requested a %s of *%s* at table *%s*",
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, playerName), verb,
		amount.Abs().StringFixed(2),
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, tableName))
}
