package engine

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/config"
	"github.com/tuksik/mailsync/internal/imapx"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
	"github.com/tuksik/mailsync/internal/stream"
	"github.com/tuksik/mailsync/internal/testutil"
)

func newEngineFixture(t *testing.T) (*Engine, *testutil.FakeSession, *io.PipeWriter) {
	t.Helper()

	session := testutil.NewFakeSession()
	session.AddFolder("INBOX")

	inboundReader, inboundWriter := io.Pipe()
	ui := stream.New(inboundReader, io.Discard)

	cfg := &config.Config{Environment: "test", ConfigDirPath: t.TempDir()}
	e, err := NewEngine(cfg, testutil.TestAccount(), ui, func(*models.Account) imapx.Session {
		return session
	}, false)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)

	return e, session, inboundWriter
}

func TestEngineRejectsInvalidAccount(t *testing.T) {
	cfg := &config.Config{Environment: "test", ConfigDirPath: t.TempDir()}
	account := &models.Account{ID: "a1"}

	_, err := NewEngine(cfg, account, stream.New(io.Pipe()), nil, false)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestHandlePacketQueuesTaskAndInterrupts(t *testing.T) {
	e, _, _ := newEngineFixture(t)

	taskProcessor := NewTaskProcessor(e.listenerStore,
		NewMailProcessor(e.listenerStore, e.account, e.cfg.FilesRoot()), nil, e.account)

	e.handlePacket(taskProcessor, stream.Packet{
		Type: stream.PacketTaskQueued,
		Task: []byte(`{"id":"t1","__cls":"ChangeUnreadTask","v":9,"payload":{"messageIds":[],"unread":true}}`),
	})

	// The task version was zeroed, the local phase ran, and the foreground
	// worker was interrupted for the remote phase.
	task, err := store.Find[models.Task](e.listenerStore, store.Q().Equal("id", "t1"))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRemote, task.Status)
	assert.True(t, e.fg.takeReloop(), "the foreground worker must be woken")
}

func TestHandlePacketNeedBodies(t *testing.T) {
	e, _, _ := newEngineFixture(t)

	taskProcessor := NewTaskProcessor(e.listenerStore, nil, nil, e.account)
	e.handlePacket(taskProcessor, stream.Packet{Type: stream.PacketNeedBodies, IDs: []string{"m1", "m2"}})

	assert.True(t, e.fg.takeReloop())
	id, ok := e.fg.popQueuedBodyID()
	assert.True(t, ok)
	assert.Contains(t, []string{"m1", "m2"}, id)
}

func TestListenerExitsAfterOrphanTimeout(t *testing.T) {
	prev := orphanTimeout
	orphanTimeout = 200 * time.Millisecond
	t.Cleanup(func() { orphanTimeout = prev })

	e, _, inbound := newEngineFixture(t)

	done := make(chan error, 1)
	go func() { done <- e.RunListener() }()

	// Parent closes its end of the channel.
	require.NoError(t, inbound.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOrphaned)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not exit after the orphan timeout")
	}
}

func TestRunTestAuthSuccess(t *testing.T) {
	session := testutil.NewFakeSession()
	session.AddFolder("INBOX")

	account := testutil.TestAccount()
	smtpServer := testutil.NewSMTPServer(t)
	smtpServer.ApplyTo(account)

	result := RunTestAuth(account, func(*models.Account) imapx.Session { return session })
	assert.Nil(t, result.Error)
	assert.NotNil(t, result.Account)
}

func TestRunTestAuthRequiresCanonicalFolder(t *testing.T) {
	session := testutil.NewFakeSession()
	session.AddFolder("Receipts")

	account := testutil.TestAccount()
	account.SMTPHost = ""

	result := RunTestAuth(account, func(*models.Account) imapx.Session { return session })
	require.NotNil(t, result.Error)
	assert.Equal(t, "imap", result.ErrorService)
}

func TestRunMigrate(t *testing.T) {
	cfg := &config.Config{Environment: "test", ConfigDirPath: t.TempDir()}
	account := testutil.TestAccount()

	result := RunMigrate(cfg, account)
	assert.Nil(t, result.Error)

	// The schema exists afterwards.
	st, err := store.Open(cfg.DatabasePath(account.ID))
	require.NoError(t, err)
	defer st.Close()
	_, err = store.FindAll[models.Folder](st, store.Q())
	assert.NoError(t, err)
}
