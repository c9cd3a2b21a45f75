package imapserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureMessage = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hello there\r\n\r\nbody text\r\n"

func selectInboxWithOneMessage(t *testing.T, r *testRig) {
	t.Helper()
	r.send(t, `a1 CREATE "INBOX"`)
	r.readUntilTagged(t, "a1")
	r.appendMessage(t, "a2", "INBOX", "", fixtureMessage)
	r.send(t, `a3 SELECT "INBOX"`)
	r.readUntilTagged(t, "a3")
}

func TestFetchFlagsAndUID(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, "a4 FETCH 1 (UID FLAGS)")
	lines := r.readUntilTagged(t, "a4")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "1 FETCH")
	assert.Contains(t, lines[0], "UID 1")
	assert.Contains(t, lines[len(lines)-1], "OK")
}

func TestFetchRFC822MarksSeen(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, "a4 FETCH 1 (RFC822)")
	lines := r.readUntilTagged(t, "a4")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "RFC822 {")

	r.send(t, "a5 FETCH 1 (FLAGS)")
	lines = r.readUntilTagged(t, "a5")
	assert.Contains(t, lines[0], `\Seen`)
}

func TestStorePlusFlagsAddsAndReportsFetch(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, `a4 STORE 1 +FLAGS (\Flagged)`)
	lines := r.readUntilTagged(t, "a4")
	assert.Contains(t, lines[0], `\Flagged`)
	assert.Contains(t, lines[len(lines)-1], "OK")
}

func TestStoreSilentSuppressesUntaggedFetch(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, `a4 STORE 1 +FLAGS.SILENT (\Flagged)`)
	lines := r.readUntilTagged(t, "a4")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "OK")
}

func TestCopyEmitsCopyUID(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, `a4 CREATE "Archive"`)
	r.readUntilTagged(t, "a4")

	r.send(t, `a5 COPY 1 "Archive"`)
	lines := r.readUntilTagged(t, "a5")
	assert.Contains(t, lines[len(lines)-1], CodeCopyUID)
}

func TestMoveEmitsExpungeAndCopyUID(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, `a4 CREATE "Archive"`)
	r.readUntilTagged(t, "a4")

	r.send(t, `a5 MOVE 1 "Archive"`)
	lines := r.readUntilTagged(t, "a5")
	assert.Contains(t, lines[0], "1 EXPUNGE")
	assert.Contains(t, lines[len(lines)-1], CodeCopyUID)

	r.send(t, "a6 FETCH 1:* (UID)")
	lines = r.readUntilTagged(t, "a6")
	require.Len(t, lines, 1) // nothing left in INBOX, only the tagged OK
}

func TestExpungeRemovesDeletedAndEmitsDescendingMSN(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	r.send(t, `a1 CREATE "INBOX"`)
	r.readUntilTagged(t, "a1")
	r.appendMessage(t, "a2", "INBOX", "", fixtureMessage)
	r.appendMessage(t, "a3", "INBOX", "", fixtureMessage)
	r.send(t, `a4 SELECT "INBOX"`)
	r.readUntilTagged(t, "a4")

	r.send(t, `a5 STORE 1:2 +FLAGS.SILENT (\Deleted)`)
	r.readUntilTagged(t, "a5")

	r.send(t, "a6 EXPUNGE")
	lines := r.readUntilTagged(t, "a6")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "2 EXPUNGE")
	assert.Contains(t, lines[1], "1 EXPUNGE")
	assert.Contains(t, lines[2], "OK")
}
