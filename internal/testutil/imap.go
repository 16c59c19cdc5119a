package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"

	"github.com/tuksik/mailsync/internal/models"
)

// IMAPServer is an in-process IMAP server with an in-memory backend. The
// memory backend creates a default user with username "username" and
// password "password".
type IMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
}

// NewIMAPServer starts the server on a random port.
func NewIMAPServer(t *testing.T) *IMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = s.Close() })

	// Give the server a moment to start accepting.
	time.Sleep(50 * time.Millisecond)

	return &IMAPServer{Server: s, Address: listener.Addr().String(), Backend: be}
}

// Account returns an account pointed at this server, with security disabled
// for the plain-TCP test listener.
func (s *IMAPServer) Account() *models.Account {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return &models.Account{
		ID:           "test-account",
		EmailAddress: "username@example.com",
		IMAPHost:     host,
		IMAPPort:     port,
		IMAPUsername: "username",
		IMAPPassword: "password",
		IMAPSecurity: "none",
	}
}

// Connect opens a raw client connection for test fixtures.
func (s *IMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := client.Login("username", "password"); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	t.Cleanup(func() { _ = client.Logout() })
	return client
}

// AddMessage appends a message to the folder and returns its UID.
func (s *IMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	client := s.Connect(t)

	if _, err := client.Select(folderName, false); err != nil {
		if err := client.Create(folderName); err != nil {
			t.Fatalf("Failed to create folder: %v", err)
		}
		if _, err := client.Select(folderName, false); err != nil {
			t.Fatalf("Failed to select folder: %v", err)
		}
	}

	body := fmt.Sprintf(`Message-ID: %s
Date: %s
From: %s
To: %s
Subject: %s
Content-Type: text/plain; charset=utf-8

Test message body.
`, messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	if err := client.Append(folderName, []string{imap.SeenFlag}, time.Now(), strings.NewReader(body)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}
	return uids[0]
}
