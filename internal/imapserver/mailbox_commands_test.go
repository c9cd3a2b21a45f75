package imapserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melvynkim/wildduck/internal/model"
)

func TestCreateThenSelectReportsExists(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")

	r.send(t, `a1 CREATE "INBOX"`)
	lines := r.readUntilTagged(t, "a1")
	require.Contains(t, lines[len(lines)-1], "OK")

	r.send(t, `a2 SELECT "INBOX"`)
	lines = r.readUntilTagged(t, "a2")
	assert.Contains(t, lines[0], "0 EXISTS")
	assert.Contains(t, lines[len(lines)-1], CodeReadWrite)
}

func TestCreateDuplicateRejected(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	r.send(t, `a1 CREATE "INBOX"`)
	r.readUntilTagged(t, "a1")

	r.send(t, `a2 CREATE "INBOX"`)
	lines := r.readUntilTagged(t, "a2")
	assert.Contains(t, lines[len(lines)-1], CodeAlreadyExists)
}

func TestAppendThenSelectShowsOneExists(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	r.send(t, `a1 CREATE "INBOX"`)
	r.readUntilTagged(t, "a1")

	raw := "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nbody\r\n"
	lines := r.appendMessage(t, "a2", "INBOX", `\Seen`, raw)
	assert.Contains(t, lines[len(lines)-1], CodeAppendUID)

	r.send(t, `a3 SELECT "INBOX"`)
	lines = r.readUntilTagged(t, "a3")
	assert.Contains(t, lines[0], "1 EXISTS")
}

func TestAppendToMissingMailboxReportsTryCreate(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")

	lines := r.appendMessage(t, "a1", "Nonexistent", "", "From: a@example.com\r\n\r\nbody\r\n")
	assert.Contains(t, lines[len(lines)-1], CodeTryCreate)
}

func TestDeleteProtectedSpecialUseRejected(t *testing.T) {
	r := newTestRig(t)
	u := seedUser(t, r.gw, "alice")
	r.gw.PutMailbox(&model.Mailbox{User: u.ID, Path: "Sent", SpecialUse: model.UseSent, UIDValidity: 1, UIDNext: 1})
	r.loginAs(t, "alice")

	r.send(t, `a1 DELETE "Sent"`)
	lines := r.readUntilTagged(t, "a1")
	assert.Contains(t, lines[len(lines)-1], CodeCannot)
}

func TestRenameRelocatesDescendants(t *testing.T) {
	r := newTestRig(t)
	u := seedUser(t, r.gw, "alice")
	r.gw.PutMailbox(&model.Mailbox{User: u.ID, Path: "Work", UIDValidity: 1, UIDNext: 1})
	r.gw.PutMailbox(&model.Mailbox{User: u.ID, Path: "Work/Projects", UIDValidity: 2, UIDNext: 1})
	r.loginAs(t, "alice")

	r.send(t, `a1 RENAME "Work" "Archive/Work"`)
	lines := r.readUntilTagged(t, "a1")
	require.Contains(t, lines[len(lines)-1], "OK")

	r.send(t, "a2 LIST")
	lines = r.readUntilTagged(t, "a2")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, `"Archive/Work"`)
	assert.Contains(t, joined, `"Archive/Work/Projects"`)
	assert.NotContains(t, joined, `"Work"`+"\n")
}

func TestStatusReportsLiveCountsRegardlessOfSelection(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	r.send(t, `a1 CREATE "INBOX"`)
	r.readUntilTagged(t, "a1")
	r.send(t, `a2 SELECT "INBOX"`)
	r.readUntilTagged(t, "a2")
	r.appendMessage(t, "a3", "INBOX", "", "From: a@example.com\r\n\r\nbody\r\n")

	r.send(t, `a4 STATUS "INBOX" (MESSAGES UIDNEXT)`)
	lines := r.readUntilTagged(t, "a4")
	assert.Contains(t, lines[0], "MESSAGES 1")
	assert.Contains(t, lines[0], "UIDNEXT 2")
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	r.send(t, `a1 CREATE "INBOX"`)
	r.readUntilTagged(t, "a1")

	r.send(t, `a2 SUBSCRIBE "INBOX"`)
	lines := r.readUntilTagged(t, "a2")
	assert.Contains(t, lines[len(lines)-1], "OK")

	r.send(t, `a3 LSUB "" "*"`)
	lines = r.readUntilTagged(t, "a3")
	assert.Contains(t, strings.Join(lines, "\n"), "INBOX")

	r.send(t, `a4 UNSUBSCRIBE "INBOX"`)
	lines = r.readUntilTagged(t, "a4")
	assert.Contains(t, lines[len(lines)-1], "OK")
}
