package imapserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchUnseenFindsAppendedMessage(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, "a4 SEARCH UNSEEN")
	lines := r.readUntilTagged(t, "a4")
	require.Len(t, lines, 2)
	assert.Equal(t, "* SEARCH 1", lines[0])
}

func TestSearchSeenExcludesAfterFetchMarksSeen(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, "a4 FETCH 1 (RFC822)")
	r.readUntilTagged(t, "a4")

	r.send(t, "a5 SEARCH SEEN")
	lines := r.readUntilTagged(t, "a5")
	assert.Equal(t, "* SEARCH 1", lines[0])

	r.send(t, "a6 SEARCH UNSEEN")
	lines = r.readUntilTagged(t, "a6")
	assert.Equal(t, "* SEARCH", lines[0])
}

func TestUIDSearchReportsUIDNotMSN(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, "a4 UID SEARCH ALL")
	lines := r.readUntilTagged(t, "a4")
	assert.Equal(t, "* SEARCH 1", lines[0])
}

func TestSearchFromHeaderMatch(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	selectInboxWithOneMessage(t, r)

	r.send(t, `a4 SEARCH FROM "alice@example.com"`)
	lines := r.readUntilTagged(t, "a4")
	assert.Equal(t, "* SEARCH 1", lines[0])

	r.send(t, `a5 SEARCH FROM "nobody@example.com"`)
	lines = r.readUntilTagged(t, "a5")
	assert.Equal(t, "* SEARCH", lines[0])
}
