package imapx

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
)

// ParsedAttachment is one MIME part destined for the File table and disk.
type ParsedAttachment struct {
	PartID      string
	Filename    string
	ContentID   string
	ContentType string
	Content     []byte
}

// ParsedBody is the renderer output for one message.
type ParsedBody struct {
	HTML        string
	Text        string
	Attachments []ParsedAttachment
}

// ParseBody parses raw RFC 822 source into rendered HTML, flattened text and
// the attachment list.
func ParseBody(raw []byte) (*ParsedBody, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message body: %w", err)
	}

	html := envelope.HTML
	if html == "" {
		html = strings.ReplaceAll(envelope.Text, "\n", "<br>")
	}

	out := &ParsedBody{
		HTML: html,
		Text: FlattenText(envelope.Text),
	}

	parts := append([]*enmime.Part(nil), envelope.Attachments...)
	parts = append(parts, envelope.Inlines...)
	parts = append(parts, envelope.OtherParts...)

	seen := make(map[string]bool)
	for i, part := range parts {
		if part.FileName == "" && part.ContentID == "" {
			continue
		}
		partID := part.PartID
		if partID == "" {
			partID = fmt.Sprintf("part-%d", i)
		}
		if seen[partID] {
			continue
		}
		seen[partID] = true

		att := ParsedAttachment{
			PartID:      partID,
			Filename:    part.FileName,
			ContentID:   part.ContentID,
			ContentType: part.ContentType,
			Content:     part.Content,
		}

		// Some senders reference "cid:filename" without giving the part a
		// content id. The client filters inline parts by content id, so
		// promote the filename when the body references it.
		if att.ContentID == "" && att.Filename != "" && strings.Contains(html, "cid:"+att.Filename) {
			att.ContentID = att.Filename
		}

		out.Attachments = append(out.Attachments, att)
	}
	return out, nil
}

// FlattenText collapses whitespace runs so snippets and search content read
// as one line.
func FlattenText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Snippet truncates flattened text to n characters on a rune boundary.
func Snippet(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
