package smtpx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/smtpx"
	"github.com/tuksik/mailsync/internal/testutil"
)

func TestSend(t *testing.T) {
	server := testutil.NewSMTPServer(t)
	account := testutil.TestAccount()
	server.ApplyTo(account)

	raw := "Subject: greetings\r\n\r\nHello over SMTP.\r\n"
	err := smtpx.Send(account, "user@example.com", []string{"pat@example.com", "sam@example.com"}, []byte(raw))
	require.NoError(t, err)

	messages := server.Backend.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "user@example.com", messages[0].From)
	assert.Equal(t, []string{"pat@example.com", "sam@example.com"}, messages[0].To)
	assert.Contains(t, string(messages[0].Data), "Hello over SMTP.")
}

func TestSendRequiresRecipients(t *testing.T) {
	account := testutil.TestAccount()
	err := smtpx.Send(account, "user@example.com", nil, []byte("Subject: x\r\n\r\n"))
	assert.Error(t, err)
}

func TestAuthProbe(t *testing.T) {
	server := testutil.NewSMTPServer(t)
	account := testutil.TestAccount()
	server.ApplyTo(account)

	assert.NoError(t, smtpx.TestAuth(account))
}

func TestAuthProbeUnreachableHost(t *testing.T) {
	account := testutil.TestAccount()
	account.SMTPHost = "127.0.0.1"
	account.SMTPPort = 1 // nothing listens here
	account.SMTPSecurity = "none"

	assert.Error(t, smtpx.TestAuth(account))
}
