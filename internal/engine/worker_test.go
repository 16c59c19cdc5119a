package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/imapx"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
	"github.com/tuksik/mailsync/internal/testutil"
)

type workerFixture struct {
	session  *testutil.FakeSession
	worker   *SyncWorker
	store    *store.Store
	recorder *testutil.DeltaRecorder
	account  *models.Account
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	st := testutil.NewTestStore(t)
	recorder := &testutil.DeltaRecorder{}
	st.AddObserver(recorder)

	session := testutil.NewFakeSession()
	session.Condstore = true
	session.QResync = true

	account := testutil.TestAccount()
	return &workerFixture{
		session:  session,
		worker:   NewSyncWorker("bg", st, session, account, t.TempDir()),
		store:    st,
		recorder: recorder,
		account:  account,
	}
}

// oldDate keeps fixture messages outside the body-backfill window so cycles
// complete without body fetches.
var oldDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func fixtureMessage(uid uint32, messageID string) *imapx.RemoteMessage {
	return &imapx.RemoteMessage{
		UID:       uid,
		Flags:     []string{"\\Seen"},
		MessageID: messageID,
		Subject:   "subject " + messageID,
		Date:      oldDate,
		From:      []imapx.Address{{Email: "sender@example.com"}},
	}
}

// syncUntilDone loops SyncNow the way the background worker does, until no
// folder reports more work.
func syncUntilDone(t *testing.T, w *SyncWorker) {
	t.Helper()
	for i := 0; i < 50; i++ {
		more, err := w.SyncNow()
		require.NoError(t, err)
		if !more {
			return
		}
	}
	t.Fatal("sync never settled")
}

func TestBootstrapNewMailbox(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	const count = 2500
	for uid := uint32(1); uid <= count; uid++ {
		inbox.AddMessage(fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid)))
	}

	syncUntilDone(t, f.worker)

	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, messages, count)

	threads, err := store.FindAll[models.Thread](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, threads, count)

	assert.Equal(t, count, f.recorder.CountOf("Message", "persist"))
	assert.Equal(t, count, f.recorder.CountOf("Thread", "persist"))

	folder, err := store.Find[models.Folder](f.store, store.Q().Equal("role", models.RoleInbox))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), folder.Status.FullScanHead)
	assert.Equal(t, inbox.UIDNext, folder.Status.UIDNext)
}

func TestSecondCycleOnUnchangedRemoteEmitsNothing(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	for uid := uint32(1); uid <= 20; uid++ {
		inbox.AddMessage(fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid)))
	}
	syncUntilDone(t, f.worker)

	f.recorder.Deltas = nil
	more, err := f.worker.SyncNow()
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, f.recorder.Deltas, "an unchanged remote must produce zero observable deltas")
}

func TestMessageMoveAcrossFolders(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	archive := f.session.AddFolder("Archive")
	moved := inbox.AddMessage(fixtureMessage(42, "moved@example.com"))
	syncUntilDone(t, f.worker)

	// The message moves between folders on the server.
	inbox.DeleteMessage(42)
	copied := *moved
	copied.UID = 7
	archive.AddMessage(&copied)

	// One cycle sees it vanish from INBOX and appear in Archive; the
	// re-observation restores a real UID before any delete pass matches.
	syncUntilDone(t, f.worker)
	syncUntilDone(t, f.worker)

	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.IDForFolder(f.account.ID, "Archive"), messages[0].FolderID)
	assert.Equal(t, uint32(7), messages[0].FolderImapUID)
	assert.False(t, messages[0].Unlinked())
}

func TestCondstoreFlagChange(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	for uid := uint32(1); uid <= 5; uid++ {
		msg := fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid))
		msg.Flags = nil // unread
		inbox.AddMessage(msg)
	}
	syncUntilDone(t, f.worker)
	f.recorder.Deltas = nil

	// Three messages gain \Seen; highestmodseq advances.
	for _, uid := range []uint32{1, 2, 3} {
		inbox.Messages[uid].Flags = []string{"\\Seen"}
		inbox.TouchMessage(uid)
	}

	more, err := f.worker.SyncNow()
	require.NoError(t, err)
	assert.False(t, more)

	assert.Equal(t, 3, f.recorder.CountOf("Message", "persist"))
	assert.Zero(t, f.recorder.CountOf("Message", "unpersist"))

	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, messages, 5)

	folder, err := store.Find[models.Folder](f.store, store.Q().Equal("role", models.RoleInbox))
	require.NoError(t, err)
	assert.Equal(t, inbox.HighestModSeq, folder.Status.HighestModSeq)
}

func TestQResyncDeletion(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	for uid := uint32(15); uid <= 20; uid++ {
		inbox.AddMessage(fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid)))
	}
	syncUntilDone(t, f.worker)

	inbox.DeleteMessage(17)
	inbox.DeleteMessage(18)

	// First cycle unlinks the vanished pair but must not delete them yet.
	_, err := f.worker.SyncNow()
	require.NoError(t, err)

	unlinked := 0
	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, messages, 6)
	for _, m := range messages {
		if m.Unlinked() {
			unlinked++
		}
	}
	assert.Equal(t, 2, unlinked)

	// The next cycle's delete pass removes them for good.
	_, err = f.worker.SyncNow()
	require.NoError(t, err)

	messages, err = store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, messages, 4)
}

func TestShallowScanDeletionWithoutQResync(t *testing.T) {
	f := newWorkerFixture(t)
	f.session.Condstore = false
	f.session.QResync = false

	// Freeze time so the deep-scan cooldown does not re-trigger mid-test.
	base := time.Now()
	timeNow = func() time.Time { return base }
	t.Cleanup(func() { timeNow = time.Now })

	inbox := f.session.AddFolder("INBOX")
	for uid := uint32(1); uid <= 10; uid++ {
		inbox.AddMessage(fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid)))
	}
	syncUntilDone(t, f.worker)

	delete(inbox.Messages, 5)

	_, err := f.worker.SyncNow()
	require.NoError(t, err)
	_, err = f.worker.SyncNow()
	require.NoError(t, err)

	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, messages, 9)
}

func TestUIDValidityChangeRebuildsFolder(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	for uid := uint32(1); uid <= 8; uid++ {
		inbox.AddMessage(fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid)))
	}
	syncUntilDone(t, f.worker)

	// The server resets the folder's UID space.
	inbox.UIDValidity = 2

	syncUntilDone(t, f.worker)
	syncUntilDone(t, f.worker)

	folder, err := store.Find[models.Folder](f.store, store.Q().Equal("role", models.RoleInbox))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), folder.Status.UIDValidity)

	// Every message was re-seeded with a real UID; nothing was lost.
	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	assert.Len(t, messages, 8)
	for _, m := range messages {
		assert.False(t, m.Unlinked())
	}
}

func TestFoldersScannedInRolePriorityOrder(t *testing.T) {
	f := newWorkerFixture(t)

	// Registered in a deliberately wrong order.
	f.session.AddFolder("Spam", "\\Junk")
	f.session.AddFolder("Receipts")
	f.session.AddFolder("Trash", "\\Trash")
	f.session.AddFolder("Sent", "\\Sent")
	f.session.AddFolder("INBOX")
	f.session.AddFolder("Drafts", "\\Drafts")
	f.session.AddFolder("Archive", "\\Archive")

	_, err := f.worker.SyncNow()
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"INBOX", "Sent", "Drafts", "Archive", "Trash", "Spam", "Receipts"},
		f.session.StatusCalls)
}

func TestGmailDemotesNonCanonicalFoldersToLabels(t *testing.T) {
	f := newWorkerFixture(t)
	f.session.Gmail = true

	f.session.AddFolder("[Gmail]/All Mail", "\\All")
	f.session.AddFolder("[Gmail]/Spam", "\\Junk")
	f.session.AddFolder("[Gmail]/Trash", "\\Trash")
	f.session.AddFolder("Work")
	f.session.AddFolder("INBOX")

	_, err := f.worker.SyncNow()
	require.NoError(t, err)

	folders, err := store.FindAll[models.Folder](f.store, store.Q())
	require.NoError(t, err)
	var folderPaths []string
	for _, folder := range folders {
		folderPaths = append(folderPaths, folder.Path)
	}
	assert.ElementsMatch(t, []string{"[Gmail]/All Mail", "[Gmail]/Spam", "[Gmail]/Trash"}, folderPaths)

	labels, err := store.FindAll[models.Label](f.store, store.Q())
	require.NoError(t, err)
	var labelPaths []string
	for _, label := range labels {
		labelPaths = append(labelPaths, label.Path)
	}
	assert.ElementsMatch(t, []string{"Work", "INBOX"}, labelPaths)
}

func TestRemovedFolderIsDeletedWithItsCounts(t *testing.T) {
	f := newWorkerFixture(t)

	f.session.AddFolder("INBOX")
	f.session.AddFolder("Old")
	syncUntilDone(t, f.worker)

	oldID := models.IDForFolder(f.account.ID, "Old")
	_, _, err := f.store.ThreadCounts(oldID)
	require.NoError(t, err)

	f.session.RemoveFolder("Old")
	syncUntilDone(t, f.worker)

	_, err = store.Find[models.Folder](f.store, store.Q().Equal("id", oldID))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = f.store.ThreadCounts(oldID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNoSelectFoldersAreSkipped(t *testing.T) {
	f := newWorkerFixture(t)

	f.session.AddFolder("INBOX")
	f.session.AddFolder("[Gmail]", "\\Noselect")

	_, err := f.worker.SyncNow()
	require.NoError(t, err)

	_, err = store.Find[models.Folder](f.store, store.Q().Equal("path", "[Gmail]"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

const plainBody = "Subject: hi\r\nFrom: sender@example.com\r\n\r\nPlain body text.\r\n"

func TestBodyBackfillFetchesTenPerCycle(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	recent := time.Now().Add(-24 * time.Hour)
	for uid := uint32(1); uid <= 12; uid++ {
		msg := fixtureMessage(uid, fmt.Sprintf("m%d@example.com", uid))
		msg.Date = recent
		inbox.AddMessage(msg)
		inbox.Bodies[uid] = []byte(plainBody)
	}

	more, err := f.worker.SyncNow()
	require.NoError(t, err)
	assert.True(t, more, "leftover bodies must signal more work")

	since := time.Now().Add(-bodyBackfillWindow).Unix()
	folderID := models.IDForFolder(f.account.ID, "INBOX")
	missing, err := f.store.MessagesNeedingBodies(folderID, since, 100)
	require.NoError(t, err)
	assert.Len(t, missing, 2, "exactly ten bodies per folder per cycle")

	syncUntilDone(t, f.worker)
	missing, err = f.store.MessagesNeedingBodies(folderID, since, 100)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Snippets got populated from the parsed text.
	messages, err := store.FindAll[models.Message](f.store, store.Q())
	require.NoError(t, err)
	for _, m := range messages {
		assert.Equal(t, "Plain body text.", m.Snippet)
	}
}

func TestBodyBackfillSkipsSpamAndTrash(t *testing.T) {
	f := newWorkerFixture(t)

	spam := f.session.AddFolder("Spam", "\\Junk")
	recent := time.Now().Add(-24 * time.Hour)
	msg := fixtureMessage(1, "spam@example.com")
	msg.Date = recent
	spam.AddMessage(msg)
	spam.Bodies[1] = []byte(plainBody)

	more, err := f.worker.SyncNow()
	require.NoError(t, err)
	assert.False(t, more)

	folderID := models.IDForFolder(f.account.ID, "Spam")
	missing, err := f.store.MessagesNeedingBodies(folderID, time.Now().Add(-bodyBackfillWindow).Unix(), 100)
	require.NoError(t, err)
	assert.Len(t, missing, 1, "spam bodies must never be fetched")
}

func TestIdleCycleRunsRemoteTasksAndIdles(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	msg := inbox.AddMessage(fixtureMessage(1, "m1@example.com"))
	syncUntilDone(t, f.worker)

	stored, err := store.Find[models.Message](f.store, store.Q())
	require.NoError(t, err)

	task := &models.Task{
		ID:      "task-1",
		AID:     f.account.ID,
		Cls:     TaskChangeStarred,
		Status:  models.TaskStatusRemote,
		Payload: mustJSON(t, changeStarredPayload{MessageIDs: []string{stored.ID}, Starred: true}),
	}
	require.NoError(t, f.store.Save(task, false))

	require.NoError(t, f.worker.IdleCycle())

	// The remote phase ran and the worker reached IDLE.
	assert.Equal(t, 1, f.session.IdleCalls)
	require.Len(t, f.session.FlagOps, 1)
	assert.Equal(t, "add-flags", f.session.FlagOps[0].Op)
	assert.Equal(t, []uint32{msg.UID}, f.session.FlagOps[0].UIDs)

	done, err := store.Find[models.Task](f.store, store.Q().Equal("id", "task-1"))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusComplete, done.Status)
}

func TestIdleCycleDrainsBodyQueue(t *testing.T) {
	f := newWorkerFixture(t)

	inbox := f.session.AddFolder("INBOX")
	inbox.AddMessage(fixtureMessage(1, "m1@example.com"))
	inbox.Bodies[1] = []byte(plainBody)
	syncUntilDone(t, f.worker)

	stored, err := store.Find[models.Message](f.store, store.Q())
	require.NoError(t, err)

	f.worker.IdleQueueBodiesToSync([]string{stored.ID, "does-not-exist"})

	// The queued interrupt flag makes the first cycle return after draining.
	require.NoError(t, f.worker.IdleCycle())
	assert.Zero(t, f.session.IdleCalls)

	body, err := f.store.MessageBody(stored.ID)
	require.NoError(t, err)
	assert.Contains(t, body, "Plain body text.")
}

func TestIdleCycleWithoutInboxFallsBackToAllMail(t *testing.T) {
	f := newWorkerFixture(t)
	f.session.Gmail = true

	f.session.AddFolder("[Gmail]/All Mail", "\\All")
	syncUntilDone(t, f.worker)

	require.NoError(t, f.worker.IdleCycle())
	assert.Equal(t, 1, f.session.IdleCalls)
}

func TestIdleCycleWithoutAnyIdleFolderFails(t *testing.T) {
	f := newWorkerFixture(t)
	f.session.AddFolder("Receipts")

	err := f.worker.IdleCycle()
	assert.ErrorIs(t, err, ErrNoIdleFolder)
}
