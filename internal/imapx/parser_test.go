package imapx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: sender@example.com\r\n" +
	"To: user@example.com\r\n" +
	"Subject: plain\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello   from\nthe plain text body.\r\n"

const multipartMessage = "From: sender@example.com\r\n" +
	"To: user@example.com\r\n" +
	"Subject: with attachment\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"xyz\"\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>See attached.</p>\r\n" +
	"--xyz\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi1mYWtl\r\n" +
	"--xyz--\r\n"

func TestParseBodyPlainText(t *testing.T) {
	parsed, err := ParseBody([]byte(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "Hello from the plain text body.", parsed.Text)
	assert.Contains(t, parsed.HTML, "Hello")
	assert.Empty(t, parsed.Attachments)
}

func TestParseBodyMultipartWithAttachment(t *testing.T) {
	parsed, err := ParseBody([]byte(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "<p>See attached.</p>", strings.TrimSpace(parsed.HTML))
	require.Len(t, parsed.Attachments, 1)

	att := parsed.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("%PDF-fake"), att.Content)
	assert.NotEmpty(t, att.PartID)
}

func TestParseBodyPromotesCIDFromFilename(t *testing.T) {
	raw := "From: a@b.c\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/related; boundary=\"xyz\"\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<img src=\"cid:logo.png\">\r\n" +
		"--xyz\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Disposition: attachment; filename=\"logo.png\"\r\n" +
		"\r\n" +
		"pngbytes\r\n" +
		"--xyz--\r\n"

	parsed, err := ParseBody([]byte(raw))
	require.NoError(t, err)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "logo.png", parsed.Attachments[0].ContentID)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", Snippet("short", 400))
	assert.Equal(t, "abc", Snippet("abcdef", 3))
	assert.Equal(t, "héll", Snippet("héllo", 4), "must cut on rune boundaries")
}

func TestFlattenText(t *testing.T) {
	assert.Equal(t, "a b c", FlattenText("  a\n\tb   c \r\n"))
}

func TestRemoteMessageFlags(t *testing.T) {
	msg := &RemoteMessage{Flags: []string{"\\Seen", "\\Flagged"}}
	assert.False(t, msg.Unread())
	assert.True(t, msg.Starred())
	assert.False(t, msg.Draft())

	draft := &RemoteMessage{Flags: []string{"\\Draft"}}
	assert.True(t, draft.Unread())
	assert.True(t, draft.Draft())
}

func TestSplitMessageIDs(t *testing.T) {
	ids := splitMessageIDs("<a@x> <b@y>\r\n <c@z>")
	assert.Equal(t, []string{"a@x", "b@y", "c@z"}, ids)
	assert.Empty(t, splitMessageIDs(""))
}

func TestMergeMessageIDs(t *testing.T) {
	merged := mergeMessageIDs([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, merged)
}

func TestNoSelect(t *testing.T) {
	assert.True(t, RemoteFolder{Attributes: []string{"\\Noselect"}}.NoSelect())
	assert.False(t, RemoteFolder{Attributes: []string{"\\HasChildren"}}.NoSelect())
}
