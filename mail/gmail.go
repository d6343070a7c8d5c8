package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/pkg/metrics"
)

const gmailUser = "me"

// GmailProvider implements Provider against the Gmail REST API.
type GmailProvider struct {
	service *gmail.Service

	// Label IDs are cached after first lookup; Gmail addresses labels
	// by ID, not name.
	labelMu  sync.Mutex
	labelIDs map[string]string
}

// NewGmailProvider builds a provider from OAuth client credentials and a
// cached user token.
func NewGmailProvider(ctx context.Context, cfg config.GmailConfig) (*GmailProvider, error) {
	credentials, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gmail credentials: %w", err)
	}
	oauthConfig, err := google.ConfigFromJSON(credentials, gmail.GmailModifyScope, gmail.GmailComposeScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Gmail credentials: %w", err)
	}

	tokenData, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gmail token: %w", err)
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal(tokenData, token); err != nil {
		return nil, fmt.Errorf("failed to parse Gmail token: %w", err)
	}

	service, err := gmail.NewService(ctx, option.WithTokenSource(oauthConfig.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailProvider{
		service:  service,
		labelIDs: make(map[string]string),
	}, nil
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.ProviderCalls.WithLabelValues(operation, status).Inc()
	metrics.ProviderCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (p *GmailProvider) SendMessage(ctx context.Context, msg *OutgoingMessage) (err error) {
	start := time.Now()
	defer func() { observe("send_message", start, err) }()

	gmsg := &gmail.Message{
		Raw:      encodeRawMessage(msg),
		ThreadId: msg.ThreadID,
	}
	_, err = p.service.Users.Messages.Send(gmailUser, gmsg).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send failed: %w", err)
	}
	return nil
}

func (p *GmailProvider) CreateDraft(ctx context.Context, msg *OutgoingMessage) (err error) {
	start := time.Now()
	defer func() { observe("create_draft", start, err) }()

	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      encodeRawMessage(msg),
			ThreadId: msg.ThreadID,
		},
	}
	_, err = p.service.Users.Drafts.Create(gmailUser, draft).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail draft creation failed: %w", err)
	}
	return nil
}

func (p *GmailProvider) ArchiveThread(ctx context.Context, threadID string) (err error) {
	start := time.Now()
	defer func() { observe("archive_thread", start, err) }()

	_, err = p.service.Users.Threads.Modify(gmailUser, threadID, &gmail.ModifyThreadRequest{
		RemoveLabelIds: []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail archive failed: %w", err)
	}
	return nil
}

func (p *GmailProvider) LabelThread(ctx context.Context, threadID, label string) (err error) {
	start := time.Now()
	defer func() { observe("label_thread", start, err) }()

	labelID, err := p.ensureLabel(ctx, label)
	if err != nil {
		return err
	}
	_, err = p.service.Users.Threads.Modify(gmailUser, threadID, &gmail.ModifyThreadRequest{
		AddLabelIds: []string{labelID},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail label failed: %w", err)
	}
	return nil
}

func (p *GmailProvider) MarkThreadRead(ctx context.Context, threadID string) (err error) {
	start := time.Now()
	defer func() { observe("mark_thread_read", start, err) }()

	_, err = p.service.Users.Threads.Modify(gmailUser, threadID, &gmail.ModifyThreadRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail mark read failed: %w", err)
	}
	return nil
}

func (p *GmailProvider) TrashThread(ctx context.Context, threadID string) (err error) {
	start := time.Now()
	defer func() { observe("trash_thread", start, err) }()

	_, err = p.service.Users.Threads.Trash(gmailUser, threadID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail trash failed: %w", err)
	}
	return nil
}

func (p *GmailProvider) GetMessage(ctx context.Context, messageID string) (parsed *ParsedEmail, err error) {
	start := time.Now()
	defer func() { observe("get_message", start, err) }()

	gmsg, err := p.service.Users.Messages.Get(gmailUser, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail message fetch failed: %w", err)
	}
	raw, err := base64.URLEncoding.DecodeString(gmsg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message: %w", err)
	}
	parsed, err = ParseEmail(raw)
	if err != nil {
		return nil, err
	}
	parsed.MessageID = gmsg.Id
	parsed.ThreadID = gmsg.ThreadId
	return parsed, nil
}

func (p *GmailProvider) GetThread(ctx context.Context, threadID string) (messages []*ParsedEmail, err error) {
	start := time.Now()
	defer func() { observe("get_thread", start, err) }()

	thread, err := p.service.Users.Threads.Get(gmailUser, threadID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail thread fetch failed: %w", err)
	}
	for _, gmsg := range thread.Messages {
		parsed, err := p.GetMessage(ctx, gmsg.Id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, parsed)
	}
	return messages, nil
}

// ensureLabel resolves a label name to its ID, creating the label when
// it does not exist yet.
func (p *GmailProvider) ensureLabel(ctx context.Context, name string) (string, error) {
	p.labelMu.Lock()
	defer p.labelMu.Unlock()

	if id, ok := p.labelIDs[name]; ok {
		return id, nil
	}

	list, err := p.service.Users.Labels.List(gmailUser).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail label listing failed: %w", err)
	}
	for _, label := range list.Labels {
		p.labelIDs[label.Name] = label.Id
	}
	if id, ok := p.labelIDs[name]; ok {
		return id, nil
	}

	created, err := p.service.Users.Labels.Create(gmailUser, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail label creation failed: %w", err)
	}
	p.labelIDs[name] = created.Id
	return created.Id, nil
}

func encodeRawMessage(msg *OutgoingMessage) string {
	var b strings.Builder
	writeHeader := func(key, value string) {
		if value != "" {
			b.WriteString(key)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	writeHeader("To", msg.To)
	writeHeader("Cc", msg.CC)
	writeHeader("Bcc", msg.BCC)
	writeHeader("Subject", msg.Subject)
	writeHeader("In-Reply-To", msg.InReplyTo)
	writeHeader("References", msg.References)
	writeHeader("Content-Type", `text/plain; charset="UTF-8"`)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}
