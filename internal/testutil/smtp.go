package testutil

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tuksik/mailsync/internal/models"
)

// SMTPMessage is one message received by the in-memory SMTP backend.
type SMTPMessage struct {
	From string
	To   []string
	Data []byte
}

// SMTPBackend is an in-memory SMTP backend that accepts any credentials.
type SMTPBackend struct {
	mu       sync.Mutex
	messages []*SMTPMessage
}

func (b *SMTPBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{backend: b}, nil
}

// Messages returns all received messages.
func (b *SMTPBackend) Messages() []*SMTPMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*SMTPMessage(nil), b.messages...)
}

type smtpSession struct {
	backend *SMTPBackend
	from    string
	to      []string
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, &SMTPMessage{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error { return nil }

// SMTPServer is an in-process SMTP server over the memory backend.
type SMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *SMTPBackend
}

// NewSMTPServer starts the server on a random port.
func NewSMTPServer(t *testing.T) *SMTPServer {
	t.Helper()

	backend := &SMTPBackend{}
	s := smtp.NewServer(backend)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = s.Close() })

	return &SMTPServer{Server: s, Address: listener.Addr().String(), Backend: backend}
}

// ApplyTo points the account's SMTP endpoint at this server.
func (s *SMTPServer) ApplyTo(account *models.Account) {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	account.SMTPHost = host
	account.SMTPPort = port
	account.SMTPSecurity = "none"
	account.SMTPUsername = "username"
	account.SMTPPassword = "password"
}
