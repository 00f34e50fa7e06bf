// Package telegram implements transport.Sender and a long-poll receive
// loop against the Telegram Bot API, the concrete transport the bridge
// ships with. Adapted from the teacher's own long-poll/webhook dual-mode
// wiring pattern and, for the access-control and single-chat-pin shape,
// from TelegramBackend.build_and_run and the allowed_user_ids check in
// original_source/src/untether/telegram/backend.py.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/transport"
)

// Config is the transport's own connection/access-control surface.
type Config struct {
	BotToken string
	// ChatID pins the bridge to a single Telegram chat, matching the
	// original deployment model of one operator, one private chat — a
	// message from any other chat is ignored outright.
	ChatID int64
	// AllowedUserIDs further restricts who within ChatID may drive the
	// bridge (e.g. a group chat where only the owner's messages count).
	// Empty means "anyone in ChatID."
	AllowedUserIDs []int64
}

// Transport is a transport.Sender backed by a live Telegram bot
// connection, and owns the long-poll loop that turns incoming updates
// into Dispatcher calls.
type Transport struct {
	bot    *tgbotapi.BotAPI
	cfg    Config
	allow  map[int64]struct{}
}

// New connects to the Telegram Bot API with cfg.BotToken and returns a
// Transport ready to Run its receive loop and be handed to
// internal/bridge.New as a Sender.
func New(cfg Config) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("transport/telegram: connect: %w", err)
	}
	allow := make(map[int64]struct{}, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allow[id] = struct{}{}
	}
	return &Transport{bot: bot, cfg: cfg, allow: allow}, nil
}

func (t *Transport) allowed(userID int64) bool {
	if len(t.allow) == 0 {
		return true
	}
	_, ok := t.allow[userID]
	return ok
}

// Run starts the long-poll update loop, dispatching every admitted
// message and callback to disp, until ctx is cancelled.
func (t *Transport) Run(ctx context.Context, disp transport.Dispatcher) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handleUpdate(ctx, disp, update)
		}
	}
}

func (t *Transport) handleUpdate(ctx context.Context, disp transport.Dispatcher, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.Chat == nil || msg.Chat.ID != t.cfg.ChatID {
			return
		}
		if msg.From != nil && !t.allowed(msg.From.ID) {
			logger.Info("transport/telegram: ignoring message from disallowed user %d", msg.From.ID)
			return
		}
		disp.HandleMessage(ctx, transport.IncomingMessage{
			ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
			UserID:    formatUserID(msg.From),
			MessageID: strconv.Itoa(msg.MessageID),
			Text:      msg.Text,
		})

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != t.cfg.ChatID {
			return
		}
		if cb.From != nil && !t.allowed(cb.From.ID) {
			return
		}
		disp.HandleCallback(ctx, transport.IncomingCallback{
			ChatID:     strconv.FormatInt(cb.Message.Chat.ID, 10),
			UserID:     strconv.FormatInt(cb.From.ID, 10),
			MessageID:  strconv.Itoa(cb.Message.MessageID),
			CallbackID: cb.ID,
			Data:       cb.Data,
		})
	}
}

func formatUserID(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}
	return strconv.FormatInt(from.ID, 10)
}

var _ transport.Sender = (*Transport)(nil)

// SendMessage posts text to chatID, attaching kb as an inline keyboard
// when non-empty, and returns the new message's id for later edits.
func (t *Transport) SendMessage(ctx context.Context, chatID, text string, kb transport.Keyboard) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if len(kb) > 0 {
		markup := buildKeyboard(kb)
		msg.ReplyMarkup = markup
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("transport/telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage replaces messageID's text and keyboard in place.
func (t *Transport) EditMessage(ctx context.Context, chatID, messageID, text string, kb transport.Keyboard) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("transport/telegram: invalid message id %q: %w", messageID, err)
	}
	edit := tgbotapi.NewEditMessageText(chat, msgID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if len(kb) > 0 {
		markup := buildKeyboard(kb)
		edit.ReplyMarkup = &markup
	}
	_, err = t.bot.Send(edit)
	if err != nil {
		return fmt.Errorf("transport/telegram: edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes messageID from chatID.
func (t *Transport) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("transport/telegram: invalid message id %q: %w", messageID, err)
	}
	_, err = t.bot.Request(tgbotapi.NewDeleteMessage(chat, msgID))
	if err != nil {
		return fmt.Errorf("transport/telegram: delete message: %w", err)
	}
	return nil
}

// AnswerCallback acknowledges a button press, clearing its loading
// spinner and optionally showing text as a toast or a blocking alert.
func (t *Transport) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	callback := tgbotapi.NewCallback(callbackID, text)
	callback.ShowAlert = showAlert
	_, err := t.bot.Request(callback)
	if err != nil {
		return fmt.Errorf("transport/telegram: answer callback: %w", err)
	}
	return nil
}

func buildKeyboard(kb transport.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("transport/telegram: invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}
