package testutil

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tuksik/mailsync/internal/imapx"
)

// FakeFolder is one scriptable mailbox on the FakeSession.
type FakeFolder struct {
	Path        string
	Attributes  []string
	UIDValidity uint32
	UIDNext     uint32

	HighestModSeq uint64
	Messages      map[uint32]*imapx.RemoteMessage
	ModSeqs       map[uint32]uint64
	Bodies        map[uint32][]byte

	// Vanished is reported by the next SyncChanges call when the session
	// advertises QRESYNC.
	Vanished []uint32
}

// FlagOp records one flag/label mutation issued by the engine.
type FlagOp struct {
	Op     string
	Path   string
	UIDs   []uint32
	Values []string
}

// MoveOp records one move issued by the engine.
type MoveOp struct {
	Path string
	UIDs []uint32
	Dest string
}

// FakeSession is an in-memory imapx.Session for engine tests.
type FakeSession struct {
	mu sync.Mutex

	Condstore bool
	QResync   bool
	Gmail     bool

	ConnectErr error
	Connected  bool

	folders     map[string]*FakeFolder
	folderOrder []string

	FlagOps []FlagOp
	MoveOps []MoveOp

	// StatusCalls records the folder paths whose status was fetched, in
	// order; tests assert scan ordering with it.
	StatusCalls []string

	IdleCalls     int
	idleInterrupt chan struct{}
	// IdleBlock makes Idle wait for an interrupt instead of returning
	// immediately, with a safety timeout.
	IdleBlock time.Duration
}

// NewFakeSession creates an empty fake session.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		folders:       make(map[string]*FakeFolder),
		idleInterrupt: make(chan struct{}, 1),
	}
}

// AddFolder registers a folder in listing order.
func (s *FakeSession) AddFolder(path string, attributes ...string) *FakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &FakeFolder{
		Path:        path,
		Attributes:  attributes,
		UIDValidity: 1,
		UIDNext:     1,
		Messages:    make(map[uint32]*imapx.RemoteMessage),
		ModSeqs:     make(map[uint32]uint64),
		Bodies:      make(map[uint32][]byte),
	}
	s.folders[path] = f
	s.folderOrder = append(s.folderOrder, path)
	return f
}

// RemoveFolder drops a folder from the listing.
func (s *FakeSession) RemoveFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.folders, path)
	for i, p := range s.folderOrder {
		if p == path {
			s.folderOrder = append(s.folderOrder[:i], s.folderOrder[i+1:]...)
			break
		}
	}
}

// Folder returns a registered folder.
func (s *FakeSession) Folder(path string) *FakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folders[path]
}

// AddMessage places a message at the next UID and returns it.
func (f *FakeFolder) AddMessage(msg *imapx.RemoteMessage) *imapx.RemoteMessage {
	if msg.UID == 0 {
		msg.UID = f.UIDNext
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	f.Messages[msg.UID] = msg
	if msg.UID >= f.UIDNext {
		f.UIDNext = msg.UID + 1
	}
	f.HighestModSeq++
	f.ModSeqs[msg.UID] = f.HighestModSeq
	return msg
}

// DeleteMessage removes a message, recording it as vanished.
func (f *FakeFolder) DeleteMessage(uid uint32) {
	delete(f.Messages, uid)
	delete(f.ModSeqs, uid)
	f.HighestModSeq++
	f.Vanished = append(f.Vanished, uid)
}

// TouchMessage bumps a message's modseq so CONDSTORE reports it.
func (f *FakeFolder) TouchMessage(uid uint32) {
	f.HighestModSeq++
	f.ModSeqs[uid] = f.HighestModSeq
}

func (s *FakeSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.Connected = true
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connected = false
	return nil
}

func (s *FakeSession) SupportsCondstore() bool { return s.Condstore }
func (s *FakeSession) SupportsQResync() bool   { return s.QResync }
func (s *FakeSession) IsGmail() bool           { return s.Gmail }

func (s *FakeSession) ListFolders() ([]imapx.RemoteFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]imapx.RemoteFolder, 0, len(s.folderOrder))
	for _, path := range s.folderOrder {
		f := s.folders[path]
		out = append(out, imapx.RemoteFolder{Path: f.Path, Attributes: f.Attributes})
	}
	return out, nil
}

func (s *FakeSession) folder(path string) (*FakeFolder, error) {
	f, ok := s.folders[path]
	if !ok {
		return nil, fmt.Errorf("no such folder %s", path)
	}
	return f, nil
}

func (s *FakeSession) FolderStatus(path string) (imapx.FolderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.StatusCalls = append(s.StatusCalls, path)
	f, err := s.folder(path)
	if err != nil {
		return imapx.FolderStatus{}, err
	}
	return imapx.FolderStatus{
		UIDNext:       f.UIDNext,
		UIDValidity:   f.UIDValidity,
		HighestModSeq: f.HighestModSeq,
		MessageCount:  uint32(len(f.Messages)),
	}, nil
}

func (s *FakeSession) FetchRange(path string, lo, hi uint32) ([]*imapx.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folder(path)
	if err != nil {
		return nil, err
	}

	var out []*imapx.RemoteMessage
	for uid, msg := range f.Messages {
		if uid >= lo && uid < hi {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *FakeSession) SyncChanges(path string, sinceModSeq uint64) (*imapx.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folder(path)
	if err != nil {
		return nil, err
	}

	result := &imapx.SyncResult{}
	for uid, modseq := range f.ModSeqs {
		if modseq > sinceModSeq {
			result.ModifiedOrAdded = append(result.ModifiedOrAdded, f.Messages[uid])
		}
	}
	sort.Slice(result.ModifiedOrAdded, func(i, j int) bool {
		return result.ModifiedOrAdded[i].UID < result.ModifiedOrAdded[j].UID
	})

	if s.QResync {
		result.Vanished = append([]uint32(nil), f.Vanished...)
		result.VanishedReported = true
		f.Vanished = nil
	}
	return result, nil
}

func (s *FakeSession) FetchBody(path string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folder(path)
	if err != nil {
		return nil, err
	}
	body, ok := f.Bodies[uid]
	if !ok {
		return nil, fmt.Errorf("no body stored for uid %d in %s", uid, path)
	}
	return body, nil
}

func (s *FakeSession) Idle(path string) error {
	s.mu.Lock()
	s.IdleCalls++
	block := s.IdleBlock
	s.mu.Unlock()

	if block == 0 {
		return nil
	}
	select {
	case <-s.idleInterrupt:
	case <-time.After(block):
	}
	return nil
}

func (s *FakeSession) InterruptIdle() {
	select {
	case s.idleInterrupt <- struct{}{}:
	default:
	}
}

func (s *FakeSession) recordFlags(op, path string, uids []uint32, values []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlagOps = append(s.FlagOps, FlagOp{Op: op, Path: path, UIDs: uids, Values: values})
}

func (s *FakeSession) AddFlags(path string, uids []uint32, flags []string) error {
	s.recordFlags("add-flags", path, uids, flags)
	return nil
}

func (s *FakeSession) RemoveFlags(path string, uids []uint32, flags []string) error {
	s.recordFlags("remove-flags", path, uids, flags)
	return nil
}

func (s *FakeSession) AddLabels(path string, uids []uint32, labels []string) error {
	s.recordFlags("add-labels", path, uids, labels)
	return nil
}

func (s *FakeSession) RemoveLabels(path string, uids []uint32, labels []string) error {
	s.recordFlags("remove-labels", path, uids, labels)
	return nil
}

func (s *FakeSession) MoveMessages(path string, uids []uint32, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.folder(path)
	if err != nil {
		return err
	}
	dest, err := s.folder(destPath)
	if err != nil {
		return err
	}

	s.MoveOps = append(s.MoveOps, MoveOp{Path: path, UIDs: uids, Dest: destPath})
	for _, uid := range uids {
		msg, ok := src.Messages[uid]
		if !ok {
			continue
		}
		delete(src.Messages, uid)
		delete(src.ModSeqs, uid)
		src.HighestModSeq++
		src.Vanished = append(src.Vanished, uid)

		moved := *msg
		moved.UID = dest.UIDNext
		dest.AddMessage(&moved)
	}
	return nil
}
