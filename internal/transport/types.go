package transport

import "context"

// ChatTarget addresses a chat (and optionally a forum topic thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Messenger is the outbound chat boundary. Reports, follow-up deliveries and
// operator notifications all go through it; the interactive command UI is a
// separate collaborator and not part of this module.
type Messenger interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
