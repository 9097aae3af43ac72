package action

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"jobd/internal/job"
)

// NotifierConfig controls the builtin NOTIFICATION_SEND handler, which
// delivers via a Telegram bot.
type NotifierConfig struct {
	Token string
	// ChatID is the default recipient; a job can override it with a
	// "chat_id" param or the action target.
	ChatID int64
}

// Notifier sends the "message" param (HTML formatting) to a Telegram chat.
type Notifier struct {
	cfg NotifierConfig
	bot *tele.Bot
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Notifier{cfg: cfg, bot: b}, nil
}

func (n *Notifier) Kind() job.ActionType { return job.ActionNotificationSend }

func (n *Notifier) Execute(ctx context.Context, act job.Action, inv Invocation) (job.Params, error) {
	msg, _ := inv.Params["message"].(string)
	if strings.TrimSpace(msg) == "" {
		return nil, NoRetry(Coded("bad_params", fmt.Errorf("notification has no message param")))
	}

	chatID := n.cfg.ChatID
	if v, ok := inv.Params["chat_id"].(float64); ok && v != 0 {
		chatID = int64(v)
	} else if t := strings.TrimSpace(act.Target); t != "" {
		if id, err := strconv.ParseInt(t, 10, 64); err == nil {
			chatID = id
		}
	}
	if chatID == 0 {
		return nil, NoRetry(Coded("bad_target", fmt.Errorf("notification has no chat target")))
	}

	// telebot's Send is synchronous; honor cancellation around it.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sent, err := n.bot.Send(&tele.Chat{ID: chatID}, msg, tele.ModeHTML)
	if err != nil {
		var flood tele.FloodError
		if errors.As(err, &flood) && flood.RetryAfter > 0 {
			return nil, RetryAfter(Coded("flood", err), time.Duration(flood.RetryAfter)*time.Second)
		}
		return nil, Coded("telegram", err)
	}
	return job.Params{
		"message_id": float64(sent.ID),
		"chat_id":    float64(chatID),
	}, nil
}
