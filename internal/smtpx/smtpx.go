// Package smtpx opens per-task SMTP sessions for outbound mail and the
// test-mode authentication probe.
package smtpx

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tuksik/mailsync/internal/models"
)

// dial opens a client using the account's security policy.
func dial(account *models.Account) (*smtp.Client, error) {
	addr := account.SMTPAddr()

	var c *smtp.Client
	var err error
	switch strings.ToLower(account.SMTPSecurity) {
	case "ssl":
		c, err = smtp.DialTLS(addr, nil)
	case "none":
		c, err = smtp.Dial(addr)
	default:
		c, err = smtp.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return c, nil
}

func auth(c *smtp.Client, account *models.Account) error {
	if account.SMTPUsername == "" {
		return nil
	}
	client := sasl.NewPlainClient("", account.SMTPUsername, account.SMTPPassword)
	if err := c.Auth(client); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

// Send opens a session, submits one message, and tears the session down on
// every exit path.
func Send(account *models.Account, from string, to []string, raw []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	c, err := dial(account)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := auth(c, account); err != nil {
		return err
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to open data stream: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return c.Quit()
}

// TestAuth verifies the SMTP endpoint accepts the account's credentials.
// The session is closed on all exit paths.
func TestAuth(account *models.Account) error {
	c, err := dial(account)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := auth(c, account); err != nil {
		return err
	}
	return c.Quit()
}
