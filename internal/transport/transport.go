// Package transport defines the chat-transport boundary: the small
// surface internal/bridge needs from any concrete messaging platform.
// Concrete adapters (internal/transport/telegram) implement Sender and
// feed IncomingMessage/IncomingCallback values to a Dispatcher; the
// wire-level details of any one platform stop at this package's edge,
// per the explicit decision to keep transport-protocol depth a
// non-goal.
package transport

import "context"

// KeyboardButton is one inline button: the text shown to the user and
// the opaque data echoed back in IncomingCallback.Data when it's pressed.
type KeyboardButton struct {
	Label string
	Data  string
}

// Keyboard is a grid of buttons, row-major.
type Keyboard [][]KeyboardButton

// IncomingMessage is a plain chat message addressed to the bridge.
type IncomingMessage struct {
	ChatID    string
	UserID    string
	MessageID string
	Text      string
}

// IncomingCallback is a button press against a message previously sent
// by Sender, carrying back the opaque callback data that message was
// built with (e.g. "claude_control:approve:<request_id>" or
// "claude_control:approve:da:<session_id>").
type IncomingCallback struct {
	ChatID     string
	UserID     string
	MessageID  string
	CallbackID string
	Data       string
}

// Sender is the outbound half of the transport boundary: send, edit,
// delete a message, and acknowledge a callback (some platforms show a
// spinner on the button until this is called).
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string, keyboard Keyboard) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string, keyboard Keyboard) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error
}

// Dispatcher is the inbound half: whatever owns the platform's receive
// loop (webhook handler or long-poll loop) calls these as events arrive.
type Dispatcher interface {
	HandleMessage(ctx context.Context, msg IncomingMessage)
	HandleCallback(ctx context.Context, cb IncomingCallback)
}
