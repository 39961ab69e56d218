package notify

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatBuyInRequested(t *testing.T) {
	msg := FormatBuyInRequested("Friday", "Bob", decimal.NewFromInt(50))
	assert.Contains(t, msg, "buy-in of *50.00*")
	assert.Contains(t, msg, "*Bob*")

	msg = FormatBuyInRequested("Friday", "Bob", decimal.NewFromInt(-20))
	assert.Contains(t, msg, "cash-out of *20.00*")
}

func TestChatIDsFromEnv(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID_1", "1001")
	t.Setenv("TELEGRAM_CHAT_ID_2", "nope")
	t.Setenv("TELEGRAM_CHAT_ID_3", "-42")
	assert.Equal(t, []int64{1001, -42}, ChatIDsFromEnv())
}

func TestFromEnvDisabledWithoutToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	assert.Nil(t, FromEnv())
}

func TestNilNotifierIsSafe(t *testing.T) {
	var tn *TelegramNotifier
	tn.BuyInRequested("Friday", "Bob", decimal.NewFromInt(5))
}
