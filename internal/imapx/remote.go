package imapx

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/tuksik/mailsync/internal/models"
)

const (
	dialTimeout = 5 * time.Second
	// idleTimeout bounds a single Idle call so the foreground worker
	// periodically re-checks its queues even on a silent server.
	idleTimeout = 5 * time.Minute
)

// remoteSession implements Session over a live go-imap connection.
type remoteSession struct {
	account *models.Account
	client  *imapclient.Client

	caps     map[string]bool
	selected string

	idleMu   sync.Mutex
	idleStop chan struct{}
}

// NewSession creates an unconnected session for the account. Call Connect
// before use.
func NewSession(account *models.Account) Session {
	return &remoteSession{account: account}
}

// Connect dials the IMAP endpoint, authenticates, and caches capabilities.
func (s *remoteSession) Connect() error {
	if s.client != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: dialTimeout}

	var c *imapclient.Client
	var err error
	if strings.EqualFold(s.account.IMAPSecurity, "none") {
		c, err = imapclient.DialWithDialer(dialer, s.account.IMAPAddr())
	} else {
		c, err = imapclient.DialWithDialerTLS(dialer, s.account.IMAPAddr(), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.account.IMAPAddr(), err)
	}

	if err := c.Login(s.account.IMAPUsername, s.account.IMAPPassword); err != nil {
		_ = c.Logout()
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	caps, err := c.Capability()
	if err != nil {
		_ = c.Logout()
		return fmt.Errorf("failed to fetch capabilities: %w", err)
	}

	s.client = c
	s.caps = caps
	s.selected = ""
	return nil
}

// Close logs out and drops the connection.
func (s *remoteSession) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Logout()
	s.client = nil
	s.selected = ""
	return err
}

func (s *remoteSession) SupportsCondstore() bool { return s.caps["CONDSTORE"] }
func (s *remoteSession) SupportsQResync() bool   { return s.caps["QRESYNC"] }
func (s *remoteSession) IsGmail() bool           { return s.caps["X-GM-EXT-1"] }

func (s *remoteSession) ensureConnected() error {
	if s.client == nil {
		return s.Connect()
	}
	return nil
}

func (s *remoteSession) selectFolder(path string) error {
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if s.selected == path {
		return nil
	}
	if _, err := s.client.Select(path, false); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", path, err)
	}
	s.selected = path
	return nil
}

// ListFolders lists all folders on the server.
func (s *remoteSession) ListFolders() ([]RemoteFolder, error) {
	if err := s.ensureConnected(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []RemoteFolder
	for m := range mailboxes {
		folders = append(folders, RemoteFolder{Path: m.Name, Attributes: m.Attributes})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// FolderStatus fetches the folder's STATUS snapshot, including
// HIGHESTMODSEQ where the server reports it.
func (s *remoteSession) FolderStatus(path string) (FolderStatus, error) {
	if err := s.ensureConnected(); err != nil {
		return FolderStatus{}, err
	}

	items := []imap.StatusItem{
		imap.StatusMessages,
		imap.StatusUidNext,
		imap.StatusUidValidity,
	}
	if s.SupportsCondstore() {
		items = append(items, imap.StatusItem("HIGHESTMODSEQ"))
	}

	status, err := s.client.Status(path, items)
	if err != nil {
		return FolderStatus{}, fmt.Errorf("failed to fetch status of %s: %w", path, err)
	}

	out := FolderStatus{
		UIDNext:      status.UidNext,
		UIDValidity:  status.UidValidity,
		MessageCount: status.Messages,
	}
	if raw, ok := status.Items[imap.StatusItem("HIGHESTMODSEQ")]; ok {
		out.HighestModSeq = coerceUint64(raw)
	}
	return out, nil
}

// fetchItems is the attribute set every scan requests: headers, flags, and
// the Gmail extension fields when available.
func (s *remoteSession) fetchItems() ([]imap.FetchItem, *imap.BodySectionName) {
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"References"},
		},
		Peek: true,
	}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}
	if s.IsGmail() {
		items = append(items,
			imap.FetchItem("X-GM-LABELS"),
			imap.FetchItem("X-GM-MSGID"),
			imap.FetchItem("X-GM-THRID"))
	}
	return items, section
}

// FetchRange fetches all message attributes for UIDs in [lo, hi).
func (s *remoteSession) FetchRange(path string, lo, hi uint32) ([]*RemoteMessage, error) {
	if hi <= lo {
		return nil, nil
	}
	if err := s.selectFolder(path); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lo, hi-1)
	items, section := s.fetchItems()

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var result []*RemoteMessage
	for msg := range messages {
		result = append(result, s.toRemoteMessage(msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return result, nil
}

// FetchBody fetches the full RFC 822 source of one message.
func (s *remoteSession) FetchBody(path string, uid uint32) ([]byte, error) {
	if err := s.selectFolder(path); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	section := &imap.BodySectionName{}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
	}()

	var body []byte
	for msg := range messages {
		if r := msg.GetBody(section); r != nil {
			data, err := io.ReadAll(r)
			if err != nil {
				<-done
				return nil, fmt.Errorf("failed to read message body: %w", err)
			}
			body = data
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("server did not return message %d in %s", uid, path)
	}
	return body, nil
}

// Idle blocks until the server notifies, the idle timeout elapses, or
// InterruptIdle is invoked.
func (s *remoteSession) Idle(path string) error {
	if err := s.selectFolder(path); err != nil {
		return err
	}

	stop := make(chan struct{})
	s.idleMu.Lock()
	s.idleStop = stop
	s.idleMu.Unlock()
	defer func() {
		s.idleMu.Lock()
		s.idleStop = nil
		s.idleMu.Unlock()
	}()

	updates := make(chan imapclient.Update, 16)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	idleClient := idle.NewClient(s.client)
	innerStop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(innerStop, time.Minute)
	}()

	timeout := time.NewTimer(idleTimeout)
	defer timeout.Stop()

	stopCh := (<-chan struct{})(stop)
	updateCh := (<-chan imapclient.Update)(updates)
	innerClosed := false
	closeInner := func() {
		if !innerClosed {
			close(innerStop)
			innerClosed = true
		}
	}

	for {
		select {
		case err := <-done:
			return err
		case <-stopCh:
			stopCh = nil
			closeInner()
		case <-updateCh:
			updateCh = nil
			closeInner()
		case <-timeout.C:
			closeInner()
		}
	}
}

// InterruptIdle breaks an Idle in progress. Callers must set their own
// reloop flag before invoking it, so a notification arriving between the two
// is not lost.
func (s *remoteSession) InterruptIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleStop != nil {
		select {
		case <-s.idleStop:
		default:
			close(s.idleStop)
		}
	}
}

func (s *remoteSession) uidStore(path string, uids []uint32, item imap.StoreItem, values []string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.selectFolder(path); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.UidStore(seqSet, item, args, nil); err != nil {
		return fmt.Errorf("failed to store %s: %w", item, err)
	}
	return nil
}

func (s *remoteSession) AddFlags(path string, uids []uint32, flags []string) error {
	return s.uidStore(path, uids, imap.FormatFlagsOp(imap.AddFlags, true), flags)
}

func (s *remoteSession) RemoveFlags(path string, uids []uint32, flags []string) error {
	return s.uidStore(path, uids, imap.FormatFlagsOp(imap.RemoveFlags, true), flags)
}

func (s *remoteSession) AddLabels(path string, uids []uint32, labels []string) error {
	return s.uidStore(path, uids, imap.StoreItem("+X-GM-LABELS"), labels)
}

func (s *remoteSession) RemoveLabels(path string, uids []uint32, labels []string) error {
	return s.uidStore(path, uids, imap.StoreItem("-X-GM-LABELS"), labels)
}

// MoveMessages moves the UIDs into destPath.
func (s *remoteSession) MoveMessages(path string, uids []uint32, destPath string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.selectFolder(path); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}
	if err := s.client.UidMove(seqSet, destPath); err != nil {
		return fmt.Errorf("failed to move messages to %s: %w", destPath, err)
	}
	return nil
}

// toRemoteMessage converts a fetched go-imap message.
func (s *remoteSession) toRemoteMessage(msg *imap.Message, section *imap.BodySectionName) *RemoteMessage {
	out := &RemoteMessage{
		UID:   msg.Uid,
		Flags: append([]string(nil), msg.Flags...),
		Date:  msg.InternalDate,
	}

	if env := msg.Envelope; env != nil {
		out.Subject = env.Subject
		// Servers return the Message-Id with its angle brackets; strip them
		// so it compares equal to ids parsed out of References chains.
		out.MessageID = strings.Trim(strings.TrimSpace(env.MessageId), "<>")
		out.From = convertAddresses(env.From)
		out.To = convertAddresses(env.To)
		out.CC = convertAddresses(env.Cc)
		out.BCC = convertAddresses(env.Bcc)
		if !env.Date.IsZero() {
			out.Date = env.Date
		}
		if env.InReplyTo != "" {
			out.References = append(out.References, splitMessageIDs(env.InReplyTo)...)
		}
	}

	if r := msg.GetBody(section); r != nil {
		if refs := parseReferencesHeader(r); len(refs) > 0 {
			out.References = mergeMessageIDs(refs, out.References)
		}
	}

	if raw, ok := msg.Items[imap.FetchItem("X-GM-MSGID")]; ok {
		out.GmailMessageID = coerceUint64(raw)
	}
	if raw, ok := msg.Items[imap.FetchItem("X-GM-THRID")]; ok {
		out.GmailThreadID = coerceUint64(raw)
	}
	if raw, ok := msg.Items[imap.FetchItem("X-GM-LABELS")]; ok {
		out.GmailLabels = coerceStrings(raw)
	}
	return out
}

func convertAddresses(addrs []*imap.Address) []Address {
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || (a.MailboxName == "" && a.HostName == "") {
			continue
		}
		out = append(out, Address{
			Name:  a.PersonalName,
			Email: a.MailboxName + "@" + a.HostName,
		})
	}
	return out
}

// parseReferencesHeader reads a HEADER.FIELDS (References) section.
func parseReferencesHeader(r io.Reader) []string {
	tp := textproto.NewReader(bufio.NewReader(r))
	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil
	}
	return splitMessageIDs(header.Get("References"))
}

// splitMessageIDs splits a References-style header into bare message ids.
func splitMessageIDs(value string) []string {
	var out []string
	for _, field := range strings.Fields(value) {
		id := strings.Trim(field, "<>")
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// mergeMessageIDs appends extras not already present in base order.
func mergeMessageIDs(base, extras []string) []string {
	seen := make(map[string]bool, len(base))
	for _, id := range base {
		seen[id] = true
	}
	for _, id := range extras {
		if !seen[id] {
			base = append(base, id)
			seen[id] = true
		}
	}
	return base
}

func coerceUint64(raw interface{}) uint64 {
	switch v := raw.(type) {
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(strings.Trim(v, "\""), 10, 64)
		return n
	}
	return 0
}

func coerceStrings(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, strings.Trim(s, "\""))
			}
		}
		return out
	case string:
		return []string{strings.Trim(v, "\"")}
	}
	return nil
}
