// Package storage is the typed façade over the document database:
// mailboxes, messages, journal, users, attachments. Handlers never touch a
// *mongo.Database directly — they depend on the Gateway interface, so
// tests run against an in-memory fake (internal/storage/storagetest)
// instead of a live MongoDB.
package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/model"
)

// MessageQuery describes a Find against the messages collection. Zero values
// mean "no constraint" except where noted.
type MessageQuery struct {
	Mailbox       primitive.ObjectID
	UIDs          []int64 // exact match set; nil means unconstrained
	UIDRange      *Range  // inclusive [Min, Max]; Max == 0 means unbounded above
	Deleted       *bool
	ModseqGT      int64 // modseq > ModseqGT, when non-zero
	ModseqLE      int64 // modseq <= ModseqLE, when non-zero (STORE UNCHANGEDSINCE)
	Extra         bson.M // additional raw filter merged in (search compiler output)
	SortAscending bool
}

// Range is an inclusive integer range. Max == 0 means "open ended".
type Range struct {
	Min int64
	Max int64
}

// MessageUpdate is one document update in a BulkWriteMessages batch.
type MessageUpdate struct {
	ID     primitive.ObjectID
	Set    bson.M
	Entire *model.Message // when set, replaces Set: used for full rewrites (MOVE/COPY)
}

// Cursor iterates MessageQuery results ordered by UID.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(*model.Message) error
	Close(ctx context.Context) error
	Err() error
}

// Gateway is the storage façade consumed by the Message Handler and Command
// Dispatcher. Every method either succeeds fully or returns a wrapped
// error; there is no partial-write outcome.
type Gateway interface {
	FindUser(ctx context.Context, username string) (*model.User, error)
	AdjustStorageUsed(ctx context.Context, userID primitive.ObjectID, delta int64) error

	FindMailbox(ctx context.Context, userID primitive.ObjectID, path string) (*model.Mailbox, error)
	FindMailboxByID(ctx context.Context, id primitive.ObjectID) (*model.Mailbox, error)
	ListMailboxes(ctx context.Context, userID primitive.ObjectID, subscribedOnly bool) ([]*model.Mailbox, error)
	InsertMailbox(ctx context.Context, mailbox *model.Mailbox) error
	UpdateMailbox(ctx context.Context, id primitive.ObjectID, update bson.M) error
	DeleteMailbox(ctx context.Context, id primitive.ObjectID) error

	// FindAndIncrementUIDNext atomically allocates n consecutive UIDs and
	// returns the first one; the mailbox's uidNext becomes previous+n.
	FindAndIncrementUIDNext(ctx context.Context, mailboxID primitive.ObjectID, n int64) (previous int64, err error)
	// FindAndIncrementModSeq atomically allocates the next MODSEQ and
	// returns it: the mailbox's modifyIndex after adding n.
	FindAndIncrementModSeq(ctx context.Context, mailboxID primitive.ObjectID, n int64) (modseq int64, err error)
	// LearnFlags unions newly observed keywords into mailbox.flags, capped
	// at model.MaxMailboxFlags.
	LearnFlags(ctx context.Context, mailboxID primitive.ObjectID, flags []string) error

	FindMessages(ctx context.Context, q MessageQuery) (Cursor, error)
	CountMessages(ctx context.Context, q MessageQuery) (int64, error)
	AggregateSize(ctx context.Context, mailboxID primitive.ObjectID) (int64, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	BulkWriteMessages(ctx context.Context, updates []MessageUpdate) error
	// DeleteMessages removes every message matching the filter and reports
	// their aggregate size and UIDs (ascending) for the caller's EXPUNGE
	// bookkeeping.
	DeleteMessages(ctx context.Context, mailboxID primitive.ObjectID, filter bson.M) (deletedSize int64, uids []int64, err error)

	AppendJournal(ctx context.Context, entries []model.JournalEntry) error
	JournalSince(ctx context.Context, mailboxID primitive.ObjectID, modseq int64) ([]model.JournalEntry, error)
	TrimJournal(ctx context.Context, mailboxID primitive.ObjectID, beforeModseq int64) error

	LinkAttachment(ctx context.Context, blobID string, messageID primitive.ObjectID) error
	UnlinkAttachment(ctx context.Context, blobID string, messageID primitive.ObjectID) error
	SweepOrphanAttachments(ctx context.Context, limit int) (swept int, err error)
	StoreAttachment(ctx context.Context, blobID string, data []byte, contentType string) error

	EnsureIndexes(ctx context.Context) error
}
