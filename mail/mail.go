// Package mail abstracts the mail provider behind provider-agnostic
// operations so the rule pipeline never depends on a specific service.
package mail

import (
	"context"
	"time"
)

// ParsedEmail is the provider-independent view of a message that the
// rule pipeline operates on.
type ParsedEmail struct {
	MessageID string
	ThreadID  string
	From      string
	ReplyTo   string
	To        string
	CC        string
	Subject   string
	Body      string // text content; HTML bodies are converted
	Date      time.Time
}

// OutgoingMessage describes a message to send or draft.
type OutgoingMessage struct {
	ThreadID   string
	To         string
	CC         string
	BCC        string
	Subject    string
	Body       string
	InReplyTo  string // Message-ID header value of the message being replied to
	References string
}

// Provider is the mail provider capability consumed by the action executor.
type Provider interface {
	SendMessage(ctx context.Context, msg *OutgoingMessage) error
	CreateDraft(ctx context.Context, msg *OutgoingMessage) error
	ArchiveThread(ctx context.Context, threadID string) error
	LabelThread(ctx context.Context, threadID, label string) error
	MarkThreadRead(ctx context.Context, threadID string) error
	TrashThread(ctx context.Context, threadID string) error
	GetMessage(ctx context.Context, messageID string) (*ParsedEmail, error)
	GetThread(ctx context.Context, threadID string) ([]*ParsedEmail, error)
}
