package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melvynkim/wildduck/internal/model"
)

func TestMSN(t *testing.T) {
	v := NewMailboxView(&model.Mailbox{}, []int64{10, 20, 30}, false)

	msn, ok := v.MSN(20)
	require.True(t, ok)
	assert.Equal(t, 2, msn)

	_, ok = v.MSN(99)
	assert.False(t, ok)
}

func TestInsertUIDKeepsAscending(t *testing.T) {
	v := NewMailboxView(&model.Mailbox{}, []int64{10, 30}, false)
	v.InsertUID(20)
	assert.Equal(t, []int64{10, 20, 30}, v.UIDs)

	v.InsertUID(20) // duplicate, no-op
	assert.Equal(t, []int64{10, 20, 30}, v.UIDs)
}

func TestRemoveUID(t *testing.T) {
	v := NewMailboxView(&model.Mailbox{}, []int64{10, 20, 30}, false)
	msn, ok := v.RemoveUID(20)
	require.True(t, ok)
	assert.Equal(t, 2, msn)
	assert.Equal(t, []int64{10, 30}, v.UIDs)

	_, ok = v.RemoveUID(20)
	assert.False(t, ok)
}

func TestDrainOrdersExistsFetchExpunge(t *testing.T) {
	v := NewMailboxView(&model.Mailbox{}, []int64{1, 2, 3}, false)

	v.Enqueue(
		model.JournalEntry{ID: "e-expunge-3", Command: model.JournalExpunge, UID: 3, Modseq: 4},
		model.JournalEntry{ID: "e-fetch-1", Command: model.JournalFetch, UID: 1, Modseq: 5},
		model.JournalEntry{ID: "e-exists-5", Command: model.JournalExists, UID: 5, Modseq: 6},
		model.JournalEntry{ID: "e-exists-4", Command: model.JournalExists, UID: 4, Modseq: 7},
		model.JournalEntry{ID: "e-expunge-1", Command: model.JournalExpunge, UID: 1, Modseq: 8},
	)

	exists, fetch, expunge := v.Drain("self")

	require.Len(t, exists, 2)
	assert.Equal(t, int64(4), exists[0].UID)
	assert.Equal(t, int64(5), exists[1].UID)

	require.Len(t, fetch, 1)
	assert.Equal(t, int64(1), fetch[0].UID)

	// After EXISTS applied, UIDs = [1,2,3,4,5]. expunge(uid=3)->msn=3,
	// expunge(uid=1)->msn=1. Descending MSN order: uid=3 first, then uid=1.
	require.Len(t, expunge, 2)
	assert.Equal(t, int64(3), expunge[0].Entry.UID)
	assert.Equal(t, 3, expunge[0].MSN)
	assert.Equal(t, int64(1), expunge[1].Entry.UID)
	assert.Equal(t, 1, expunge[1].MSN)

	assert.Equal(t, []int64{2, 4, 5}, v.UIDs)
	assert.Equal(t, int64(8), v.HighestModseqSeen)
}

func TestDrainSkipsSelfOriginatedEntries(t *testing.T) {
	v := NewMailboxView(&model.Mailbox{}, nil, false)
	v.Enqueue(model.JournalEntry{ID: "e1", Command: model.JournalExists, UID: 1, Ignore: "self", Modseq: 1})

	exists, fetch, expunge := v.Drain("self")
	assert.Empty(t, exists)
	assert.Empty(t, fetch)
	assert.Empty(t, expunge)
	assert.Empty(t, v.UIDs)
}

func TestEnqueueDedupesByEntryID(t *testing.T) {
	v := NewMailboxView(&model.Mailbox{}, nil, false)
	e := model.JournalEntry{ID: "e1", Command: model.JournalExists, UID: 1, Modseq: 1}
	v.Enqueue(e, e)

	exists, _, _ := v.Drain("self")
	assert.Len(t, exists, 1)
}
