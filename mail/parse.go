package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/migadu/mailflow/helpers"
)

// ParseEmail extracts the fields the rule pipeline needs from a raw
// RFC822 message. HTML-only bodies are converted to text so the
// completion engine always receives readable content.
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	header := gomail.Header{Header: entity.Header}
	parsed := &ParsedEmail{
		Subject: decodeOrRaw(header, "Subject"),
		From:    addressHeader(header, "From"),
		ReplyTo: addressHeader(header, "Reply-To"),
		To:      addressHeader(header, "To"),
		CC:      addressHeader(header, "Cc"),
	}
	if date, err := header.Date(); err == nil {
		parsed.Date = date
	}
	if msgID, err := header.MessageID(); err == nil {
		parsed.MessageID = msgID
	}

	plain, html := extractBodies(entity)
	if plain != "" {
		parsed.Body = plain
	} else if html != "" {
		parsed.Body = html2text.HTML2Text(html)
	}
	parsed.Body = helpers.SanitizeUTF8(parsed.Body)

	return parsed, nil
}

func decodeOrRaw(header gomail.Header, key string) string {
	if v, err := header.Text(key); err == nil {
		return v
	}
	return header.Get(key)
}

func addressHeader(header gomail.Header, key string) string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return header.Get(key)
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// extractBodies walks the MIME structure collecting the first text/plain
// and text/html bodies it finds.
func extractBodies(entity *message.Entity) (plain, html string) {
	var walk func(e *message.Entity)
	walk = func(e *message.Entity) {
		mediaType, _, err := e.Header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return
				}
				if err != nil {
					return
				}
				walk(part)
			}
		}

		switch mediaType {
		case "text/plain":
			if plain == "" {
				if data, err := io.ReadAll(e.Body); err == nil {
					plain = string(data)
				}
			}
		case "text/html":
			if html == "" {
				if data, err := io.ReadAll(e.Body); err == nil {
					html = string(data)
				}
			}
		}
	}
	walk(entity)
	return plain, html
}
