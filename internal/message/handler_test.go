package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melvynkim/wildduck/internal/indexer"
	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/notifier"
	"github.com/melvynkim/wildduck/internal/storage"
	"github.com/melvynkim/wildduck/internal/storage/storagetest"
)

const testMessage = "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func newTestHandler(t *testing.T) (*Handler, *storagetest.Gateway) {
	t.Helper()
	gw := storagetest.New()
	n := notifier.New(gw)
	return New(gw, n, indexer.New()), gw
}

func TestAddAllocatesUIDAndAppendsJournal(t *testing.T) {
	h, gw := newTestHandler(t)
	userID := gw.PutUser(&model.User{Username: "alice", Quota: 0})
	user, _ := gw.FindUser(context.Background(), "alice")
	mbID := gw.PutMailbox(&model.Mailbox{User: userID, Path: "INBOX", UIDValidity: 1, UIDNext: 1})

	uid, uidValidity, err := h.Add(context.Background(), user, "INBOX", nil, time.Now(), []byte(testMessage), model.Meta{Source: model.SourceIMAP, IngestAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), uid)
	assert.Equal(t, int64(1), uidValidity)

	entries, err := gw.JournalSince(context.Background(), mbID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.JournalExists, entries[0].Command)
	assert.Equal(t, int64(1), entries[0].UID)
}

func TestAddRejectsOverQuota(t *testing.T) {
	h, gw := newTestHandler(t)
	userID := gw.PutUser(&model.User{Username: "alice", Quota: 1})
	user, _ := gw.FindUser(context.Background(), "alice")
	gw.PutMailbox(&model.Mailbox{User: userID, Path: "INBOX", UIDValidity: 1, UIDNext: 1})

	_, _, err := h.Add(context.Background(), user, "INBOX", nil, time.Now(), []byte(testMessage), model.Meta{Source: model.SourceIMAP})
	assert.ErrorIs(t, err, ErrOverQuota)
}

func TestAddMissingMailboxReturnsTryCreate(t *testing.T) {
	h, gw := newTestHandler(t)
	gw.PutUser(&model.User{Username: "alice"})
	user, _ := gw.FindUser(context.Background(), "alice")

	_, _, err := h.Add(context.Background(), user, "Nonexistent", nil, time.Now(), []byte(testMessage), model.Meta{Source: model.SourceIMAP})
	assert.ErrorIs(t, err, ErrTryCreate)
}

func TestMoveRewritesMailboxAndEmitsJournal(t *testing.T) {
	h, gw := newTestHandler(t)
	userID := gw.PutUser(&model.User{Username: "alice"})
	user, _ := gw.FindUser(context.Background(), "alice")
	gw.PutMailbox(&model.Mailbox{User: userID, Path: "INBOX", UIDValidity: 1, UIDNext: 1})
	gw.PutMailbox(&model.Mailbox{User: userID, Path: "Archive", UIDValidity: 2, UIDNext: 1})

	uid, _, err := h.Add(context.Background(), user, "INBOX", nil, time.Now(), []byte(testMessage), model.Meta{Source: model.SourceIMAP})
	require.NoError(t, err)

	srcUIDs, destUIDs, err := h.Move(context.Background(), user, "INBOX", "Archive", "session1", []int64{uid})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, srcUIDs)
	require.Equal(t, []int64{1}, destUIDs)

	dst, err := gw.FindMailbox(context.Background(), userID, "Archive")
	require.NoError(t, err)
	cnt, err := gw.CountMessages(context.Background(), storage.MessageQuery{Mailbox: dst.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt)

	src, err := gw.FindMailbox(context.Background(), userID, "INBOX")
	require.NoError(t, err)
	cnt, err = gw.CountMessages(context.Background(), storage.MessageQuery{Mailbox: src.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), cnt)
}

func TestCopyOneCreatesNewDocument(t *testing.T) {
	h, gw := newTestHandler(t)
	userID := gw.PutUser(&model.User{Username: "alice"})
	user, _ := gw.FindUser(context.Background(), "alice")
	gw.PutMailbox(&model.Mailbox{User: userID, Path: "INBOX", UIDValidity: 1, UIDNext: 1})
	dstID := gw.PutMailbox(&model.Mailbox{User: userID, Path: "Archive", UIDValidity: 2, UIDNext: 1})

	_, _, err := h.Add(context.Background(), user, "INBOX", nil, time.Now(), []byte(testMessage), model.Meta{Source: model.SourceIMAP})
	require.NoError(t, err)

	srcMB, err := gw.FindMailbox(context.Background(), userID, "INBOX")
	require.NoError(t, err)

	cur, err := gw.FindMessages(context.Background(), storage.MessageQuery{Mailbox: srcMB.ID})
	require.NoError(t, err)
	require.True(t, cur.Next(context.Background()))
	var src model.Message
	require.NoError(t, cur.Decode(&src))

	dst, err := gw.FindMailboxByID(context.Background(), dstID)
	require.NoError(t, err)

	destUID, destModseq, err := h.CopyOne(context.Background(), dst, "session1", &src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), destUID)
	assert.Equal(t, int64(1), destModseq)

	cnt, err := gw.CountMessages(context.Background(), storage.MessageQuery{Mailbox: dstID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt)
}
