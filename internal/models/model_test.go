package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDForMessageSurvivesFolderMoves(t *testing.T) {
	// Identity comes from the Message-Id, so the same message found in two
	// folders collides instead of duplicating.
	a := IDForMessage("acct", "INBOX", 0, "msg-1@example.com", 42)
	b := IDForMessage("acct", "Archive", 0, "msg-1@example.com", 7)
	assert.Equal(t, a, b)

	// Gmail message ids win over the header.
	g1 := IDForMessage("acct", "INBOX", 999, "msg-1@example.com", 42)
	g2 := IDForMessage("acct", "Archive", 999, "other@example.com", 7)
	assert.Equal(t, g1, g2)
	assert.NotEqual(t, a, g1)

	// Without any portable identity, position is all there is.
	p1 := IDForMessage("acct", "INBOX", 0, "", 42)
	p2 := IDForMessage("acct", "INBOX", 0, "", 43)
	assert.NotEqual(t, p1, p2)
}

func TestIDForFolderDeterministic(t *testing.T) {
	assert.Equal(t, IDForFolder("acct", "INBOX"), IDForFolder("acct", "INBOX"))
	assert.NotEqual(t, IDForFolder("acct", "INBOX"), IDForFolder("acct", "Sent"))
	assert.NotEqual(t, IDForFolder("a1", "INBOX"), IDForFolder("a2", "INBOX"))
}

func TestRoleForPath(t *testing.T) {
	tests := []struct {
		path  string
		attrs []string
		want  string
	}{
		{"INBOX", nil, RoleInbox},
		{"Sent Items", nil, RoleSent},
		{"[Gmail]/All Mail", []string{"\\All"}, RoleAll},
		{"[Gmail]/Spam", []string{"\\Junk"}, RoleSpam},
		{"Work/Receipts", nil, RoleNone},
		{"Archive", nil, RoleArchive},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoleForPath(tt.path, tt.attrs), "path %s", tt.path)
	}
}

func TestRoleRankOrder(t *testing.T) {
	assert.Less(t, RoleRank(RoleInbox), RoleRank(RoleSent))
	assert.Less(t, RoleRank(RoleTrash), RoleRank(RoleSpam))
	assert.Greater(t, RoleRank("whatever"), RoleRank(RoleSpam))
}

func TestUnlinkSentinels(t *testing.T) {
	assert.True(t, IsUnlinkedUID(UnlinkedUIDPhase1))
	assert.True(t, IsUnlinkedUID(UnlinkedUIDPhase2))
	assert.False(t, IsUnlinkedUID(42))

	assert.Equal(t, uint32(UnlinkedUIDPhase1), UnlinkedUIDForPhase(1))
	assert.Equal(t, uint32(UnlinkedUIDPhase2), UnlinkedUIDForPhase(2))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@b.com", NormalizeEmail(" A@B.COM "))
	assert.Equal(t, "", NormalizeEmail("not-an-email"))
}

func TestSentByUser(t *testing.T) {
	msg := &Message{From: []Address{{Email: "Me@Example.com"}}}
	assert.True(t, msg.SentByUser("me@example.com"))
	assert.False(t, msg.SentByUser("other@example.com"))
	assert.False(t, msg.SentByUser(""))
}
