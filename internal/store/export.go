package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"airouter/internal/llmerr"
)

// ExportFormat selects the serialization of an exported session.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
	ExportHTML     ExportFormat = "html"
)

// Export renders a session with all its messages. The output depends only on
// the stored rows, so re-exporting an unchanged session yields identical
// bytes.
func (s *Store) Export(ctx context.Context, sessionID string, format ExportFormat) ([]byte, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var messages []*Message
	from := 0
	for {
		page, err := s.GetMessages(ctx, sessionID, from, 500)
		if err != nil {
			return nil, err
		}
		messages = append(messages, page...)
		if len(page) < 500 {
			break
		}
		from = page[len(page)-1].SequenceNumber + 1
	}

	switch format {
	case ExportJSON:
		return exportJSON(sess, messages)
	case ExportMarkdown:
		return exportMarkdown(sess, messages), nil
	case ExportHTML:
		return exportHTML(sess, messages), nil
	default:
		return nil, llmerr.New(llmerr.KindInvalidParameter,
			fmt.Sprintf("export format %q is not one of json, markdown, html", format))
	}
}

func exportJSON(sess *Session, messages []*Message) ([]byte, error) {
	doc := struct {
		Session  *Session   `json:"session"`
		Messages []*Message `json:"messages"`
	}{sess, messages}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export json: %w", err)
	}
	return append(out, '\n'), nil
}

func exportMarkdown(sess *Session, messages []*Message) []byte {
	var b strings.Builder
	title := sess.Title
	if title == "" {
		title = sess.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Model: `%s`\n", sess.ModelID)
	fmt.Fprintf(&b, "- Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Messages: %d\n", sess.MessageCount)
	if sess.TotalTokens > 0 {
		fmt.Fprintf(&b, "- Tokens: %d\n", sess.TotalTokens)
	}
	if len(sess.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(sess.Tags, ", "))
	}
	b.WriteString("\n")

	for _, m := range messages {
		fmt.Fprintf(&b, "## %d. %s\n\n", m.SequenceNumber, roleTitle(m.Role))
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

func roleTitle(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

func exportHTML(sess *Session, messages []*Message) []byte {
	var b bytes.Buffer
	title := sess.Title
	if title == "" {
		title = sess.ID
	}
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<p>Model: <code>%s</code> · %d messages</p>\n", html.EscapeString(sess.ModelID), sess.MessageCount)
	for _, m := range messages {
		fmt.Fprintf(&b, "<div class=\"message %s\">\n<h2>%d. %s</h2>\n<pre>%s</pre>\n</div>\n",
			html.EscapeString(m.Role), m.SequenceNumber, html.EscapeString(m.Role), html.EscapeString(m.Content))
	}
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}
