package models

import "context"

// NotificationSink delivers progress and result messages to the user.
// Implemented by the telegram notificator; heartbeats and terminal replies
// both go through it.
type NotificationSink interface {
	Notify(ctx context.Context, chatID int64, text string)
}
