package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/models"
)

type recorder struct {
	deltas []Delta
}

func (r *recorder) EmitDelta(d Delta) {
	r.deltas = append(r.deltas, d)
}

func openTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r := &recorder{}
	s.AddObserver(r)
	return s, r
}

func testFolder(id, path, role string) *models.Folder {
	return &models.Folder{ID: id, AID: "acct-1", Path: path, Role: role}
}

func TestSaveAndFind(t *testing.T) {
	s, r := openTestStore(t)

	folder := testFolder("f1", "INBOX", "inbox")
	require.NoError(t, s.Save(folder, true))
	assert.Equal(t, 1, folder.Version)

	found, err := Find[models.Folder](s, Q().Equal("id", "f1"))
	require.NoError(t, err)
	assert.Equal(t, "INBOX", found.Path)
	assert.Equal(t, "inbox", found.Role)
	assert.Equal(t, 1, found.Version)

	// Saving again updates in place.
	folder.Role = "archive"
	require.NoError(t, s.Save(folder, true))
	found, err = Find[models.Folder](s, Q().Equal("id", "f1"))
	require.NoError(t, err)
	assert.Equal(t, "archive", found.Role)
	assert.Equal(t, 2, found.Version)

	require.Len(t, r.deltas, 2)
	assert.Equal(t, "persist", r.deltas[0].Type)
	assert.Equal(t, "Folder", r.deltas[0].ObjectClass)
}

func TestFindNotFound(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := Find[models.Folder](s, Q().Equal("id", "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveEmitsUnpersist(t *testing.T) {
	s, r := openTestStore(t)

	folder := testFolder("f1", "INBOX", "inbox")
	require.NoError(t, s.Save(folder, true))
	require.NoError(t, s.Remove(folder))

	_, err := Find[models.Folder](s, Q().Equal("id", "f1"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.Len(t, r.deltas, 2)
	assert.Equal(t, "unpersist", r.deltas[1].Type)
}

func TestSaveWithoutEmit(t *testing.T) {
	s, r := openTestStore(t)

	require.NoError(t, s.Save(testFolder("f1", "INBOX", "inbox"), false))
	assert.Empty(t, r.deltas)
}

func TestQueryBuilder(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Save(testFolder("f1", "INBOX", "inbox"), false))
	require.NoError(t, s.Save(testFolder("f2", "Sent", "sent"), false))
	require.NoError(t, s.Save(testFolder("f3", "Spam", "spam"), false))

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "equality",
			query: Q().Equal("role", "sent"),
			want:  []string{"f2"},
		},
		{
			name:  "set membership",
			query: Q().InStrings("role", []string{"inbox", "spam"}).OrderBy("path", false),
			want:  []string{"f1", "f3"},
		},
		{
			name:  "empty set matches nothing",
			query: Q().InStrings("role", nil),
			want:  nil,
		},
		{
			name:  "limit and order",
			query: Q().OrderBy("path", true).Limit(2),
			want:  []string{"f3", "f2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := FindAll[models.Folder](s, tt.query)
			require.NoError(t, err)
			var ids []string
			for _, f := range found {
				ids = append(ids, f.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestNestedTransactionDefersDeltas(t *testing.T) {
	s, r := openTestStore(t)

	require.NoError(t, s.BeginTransaction())
	require.NoError(t, s.BeginTransaction())

	require.NoError(t, s.Save(testFolder("f1", "INBOX", "inbox"), true))
	assert.Empty(t, r.deltas, "delta must not emit before the outermost commit")

	require.NoError(t, s.CommitTransaction())
	assert.Empty(t, r.deltas, "delta must not emit at the inner commit")

	require.NoError(t, s.CommitTransaction())
	assert.Len(t, r.deltas, 1)
}

func TestRollbackEmitsNothing(t *testing.T) {
	s, r := openTestStore(t)

	require.NoError(t, s.BeginTransaction())
	require.NoError(t, s.Save(testFolder("f1", "INBOX", "inbox"), true))
	s.RollbackTransaction()

	assert.Empty(t, r.deltas)
	_, err := Find[models.Folder](s, Q().Equal("id", "f1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertUniqueConstraintSurfaces(t *testing.T) {
	s, _ := openTestStore(t)

	msg := &models.Message{ID: "m1", AID: "acct-1", FolderID: "f1", FolderImapUID: 7, RemoteUID: 7, ThreadID: "t1"}
	require.NoError(t, s.Save(msg, false))

	// A second insert with the same id must surface as a unique violation,
	// not silently upsert.
	dup := &models.Message{ID: "m1", AID: "acct-1", FolderID: "f1", FolderImapUID: 7, RemoteUID: 7, ThreadID: "t1"}
	err := s.Save(dup, false)
	require.Error(t, err)
	assert.True(t, IsUniqueConstraint(err))

	// Same for a different id colliding on (folderId, folderImapUID).
	collide := &models.Message{ID: "m2", AID: "acct-1", FolderID: "f1", FolderImapUID: 7, RemoteUID: 7, ThreadID: "t1"}
	err = s.Save(collide, false)
	require.Error(t, err)
	assert.True(t, IsUniqueConstraint(err))
}

func TestMessageUIDHelpers(t *testing.T) {
	s, _ := openTestStore(t)

	for _, uid := range []uint32{5, 10, 15, 20} {
		msg := &models.Message{
			ID:            models.DeterministicID("m", fmt.Sprintf("%d", uid)),
			AID:           "acct-1",
			FolderID:      "f1",
			FolderImapUID: uid,
			RemoteUID:     uid,
			ThreadID:      "t1",
		}
		require.NoError(t, s.Save(msg, false))
	}

	inRange, err := s.MessagesInUIDRange("f1", 10, 20)
	require.NoError(t, err)
	assert.Len(t, inRange, 2)
	assert.Contains(t, inRange, uint32(10))
	assert.Contains(t, inRange, uint32(15))

	uid, err := s.MessageUIDAtDepth("f1", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), uid)

	// Fewer messages than requested depth collapses to UID 1.
	uid, err = s.MessageUIDAtDepth("f1", 499, 100)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), uid)
}

func TestMessageBodyReplaceSemantics(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.MessageBody("m1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveMessageBody("m1", "<p>one</p>"))
	require.NoError(t, s.SaveMessageBody("m1", "<p>two</p>"))

	body, err := s.MessageBody("m1")
	require.NoError(t, err)
	assert.Equal(t, "<p>two</p>", body)
}

func TestThreadReferences(t *testing.T) {
	s, _ := openTestStore(t)

	thread := &models.Thread{ID: "t1", AID: "acct-1", Subject: "hello"}
	require.NoError(t, s.Save(thread, false))
	require.NoError(t, s.UpsertThreadReferences("t1", "acct-1", "id-1@x", []string{"ref-1@x", "ref-2@x"}))

	// Re-running is a no-op thanks to INSERT OR IGNORE.
	require.NoError(t, s.UpsertThreadReferences("t1", "acct-1", "id-1@x", []string{"ref-1@x"}))

	found, err := s.ThreadForReferences("acct-1", []string{"ref-2@x"})
	require.NoError(t, err)
	assert.Equal(t, "t1", found.ID)

	_, err = s.ThreadForReferences("acct-1", []string{"unknown@x"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RemoveThreadReferences("t1"))
	_, err = s.ThreadForReferences("acct-1", []string{"id-1@x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadCounts(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.EnsureThreadCounts("f1"))

	msg := &models.Message{ID: "m1", AID: "acct-1", FolderID: "f1", FolderImapUID: 1, RemoteUID: 1, ThreadID: "t1", Unread: true}
	require.NoError(t, s.Save(msg, false))
	require.NoError(t, s.RecomputeThreadCounts("f1"))

	unread, total, err := s.ThreadCounts("f1")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
	assert.Equal(t, 1, total)

	require.NoError(t, s.RemoveThreadCounts("f1"))
	_, _, err = s.ThreadCounts("f1")
	assert.ErrorIs(t, err, ErrNotFound)
}
