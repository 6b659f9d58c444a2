// Telegram channel adapter.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/remindkit/remindkit/internal/models"
)

// TelegramChannel delivers reminder notifications as Telegram messages.
// The endpoint address is the numeric chat ID.
type TelegramChannel struct {
	bot *tele.Bot
}

// Compile-time check that TelegramChannel implements Channel.
var _ Channel = (*TelegramChannel)(nil)

// NewTelegramChannel creates the Telegram channel from a bot token.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot failed: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

// Kind returns the channel kind served by this implementation.
func (c *TelegramChannel) Kind() models.ChannelKind {
	return models.ChannelKindTelegram
}

// Send delivers one payload to the endpoint's chat.
func (c *TelegramChannel) Send(ctx context.Context, endpoint models.ChannelEndpoint, p Payload) error {
	chatID, err := strconv.ParseInt(endpoint.Address, 10, 64)
	if err != nil {
		return Permanentf("invalid telegram chat id %q: %v", endpoint.Address, err)
	}

	_, err = c.bot.Send(&tele.Chat{ID: chatID}, renderBody(p))
	if err != nil {
		return classifyTelegramError(err)
	}
	slog.Debug("TelegramChannel.Send: message sent", "itemID", p.ItemID, "endpointID", endpoint.ID)
	return nil
}

// classifyTelegramError maps telebot errors to the delivery error kinds.
// A missing chat or a block by the user means the endpoint is gone.
func classifyTelegramError(err error) error {
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return &PermanentError{Err: err}
	}
	return &TransientError{Err: err}
}
