// Package message implements insertion (APPEND/ingest) and cross-mailbox
// MOVE, the two message-mutating operations complex enough to warrant a
// collaborator of their own rather than living directly in a command
// handler, so any other delivery path can reuse the same Add path by
// calling Handler.Add.
package message

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/indexer"
	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/notifier"
	"github.com/melvynkim/wildduck/internal/storage"
)

var (
	ErrOverQuota   = errors.New("message: over quota")
	ErrTryCreate   = errors.New("message: mailbox does not exist, try creating it")
	ErrNonexistent = errors.New("message: mailbox does not exist")
)

// Handler wires the Storage Gateway, Notifier and MIME Indexer together for
// the two operations that touch more than a single document update.
type Handler struct {
	gw  storage.Gateway
	n   *notifier.Notifier
	idx *indexer.Indexer
}

// New returns a Handler backed by the given collaborators.
func New(gw storage.Gateway, n *notifier.Notifier, idx *indexer.Indexer) *Handler {
	return &Handler{gw: gw, n: n, idx: idx}
}

// Add inserts raw as a new message in the mailbox at path, owned by user.
// It allocates UID and MODSEQ atomically, parses raw into envelope/
// bodystructure/headers, stores any attachment blobs, and appends an EXISTS
// journal entry so other sessions on the mailbox wake up. meta.IngestAt is
// set to time.Now() by the caller before invoking Add, since timestamps
// aren't computed from inside this package in tests.
func (h *Handler) Add(ctx context.Context, user *model.User, path string, flags []string, internaldate time.Time, raw []byte, meta model.Meta) (uid int64, uidValidity int64, err error) {
	mb, err := h.gw.FindMailbox(ctx, user.ID, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, 0, ErrTryCreate
		}
		return 0, 0, err
	}

	if user.Quota > 0 && user.UsedClamped()+int64(len(raw)) > user.Quota {
		return 0, 0, ErrOverQuota
	}

	parsed, err := h.idx.Parse(raw)
	if err != nil {
		return 0, 0, err
	}

	headerDate := parsed.HeaderDate
	if headerDate.IsZero() {
		headerDate = internaldate
	}

	msgID := primitive.NewObjectID()
	refs := make([]string, 0, len(parsed.Attachments))
	for _, a := range parsed.Attachments {
		sum := sha256.Sum256(a.Data)
		blobID := hex.EncodeToString(sum[:])
		if err := h.gw.StoreAttachment(ctx, blobID, a.Data, a.ContentType); err != nil {
			return 0, 0, err
		}
		refs = append(refs, blobID)
	}

	allocUID, err := h.gw.FindAndIncrementUIDNext(ctx, mb.ID, 1)
	if err != nil {
		return 0, 0, err
	}
	modseq, err := h.gw.FindAndIncrementModSeq(ctx, mb.ID, 1)
	if err != nil {
		return 0, 0, err
	}

	msg := &model.Message{
		ID:             msgID,
		Mailbox:        mb.ID,
		UID:            allocUID,
		Modseq:         modseq,
		InternalDate:   internaldate,
		HeaderDate:     headerDate,
		Flags:          flags,
		Size:           int64(len(raw)),
		Envelope:       parsed.Envelope,
		BodyStructure:  parsed.BodyStructure,
		Headers:        parsed.Headers,
		AttachmentRefs: refs,
		Meta:           meta,
	}
	msg.SyncDenormalizedFlags()

	if err := h.gw.InsertMessage(ctx, msg); err != nil {
		return 0, 0, err
	}
	for _, blobID := range refs {
		if err := h.gw.LinkAttachment(ctx, blobID, msg.ID); err != nil {
			return 0, 0, err
		}
	}
	if err := h.gw.AdjustStorageUsed(ctx, user.ID, msg.Size); err != nil {
		return 0, 0, err
	}
	if len(flags) > 0 {
		if err := h.gw.LearnFlags(ctx, mb.ID, flags); err != nil {
			return 0, 0, err
		}
	}

	entry := model.JournalEntry{
		ID:        uuid.NewString(),
		Mailbox:   mb.ID,
		Command:   model.JournalExists,
		UID:       allocUID,
		Message:   msg,
		Modseq:    modseq,
		CreatedAt: time.Now(),
	}
	if err := h.n.AddEntries(ctx, user.ID, path, []model.JournalEntry{entry}); err != nil {
		return 0, 0, err
	}

	return allocUID, mb.UIDValidity, nil
}

// Move relocates uids from sourcePath to destPath, in ascending source-UID
// order, mutating each message document in place (same _id, new
// mailbox/uid/modseq) rather than copy-then-delete. sessionID is recorded
// as the Ignore field on both journal entries so the originating session's
// own Drain skips them — it already knows its MOVE succeeded from the
// tagged response.
func (h *Handler) Move(ctx context.Context, user *model.User, sourcePath, destPath, sessionID string, uids []int64) (sourceUIDs, destUIDs []int64, err error) {
	src, err := h.gw.FindMailbox(ctx, user.ID, sourcePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrNonexistent
		}
		return nil, nil, err
	}
	dst, err := h.gw.FindMailbox(ctx, user.ID, destPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrTryCreate
		}
		return nil, nil, err
	}

	cur, err := h.gw.FindMessages(ctx, storage.MessageQuery{Mailbox: src.ID, UIDs: uids, SortAscending: true})
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close(ctx)

	var msgs []*model.Message
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })

	var updates []storage.MessageUpdate
	var entries []model.JournalEntry
	now := time.Now()

	for _, m := range msgs {
		origUID := m.UID
		destUID, err := h.gw.FindAndIncrementUIDNext(ctx, dst.ID, 1)
		if err != nil {
			return nil, nil, err
		}
		destModseq, err := h.gw.FindAndIncrementModSeq(ctx, dst.ID, 1)
		if err != nil {
			return nil, nil, err
		}
		srcModseq, err := h.gw.FindAndIncrementModSeq(ctx, src.ID, 1)
		if err != nil {
			return nil, nil, err
		}

		m.Mailbox = dst.ID
		m.UID = destUID
		m.Modseq = destModseq
		m.Meta.Source = model.SourceIMAPMove

		updates = append(updates, storage.MessageUpdate{ID: m.ID, Entire: m})
		sourceUIDs = append(sourceUIDs, origUID)
		destUIDs = append(destUIDs, destUID)

		entries = append(entries,
			model.JournalEntry{ID: uuid.NewString(), Mailbox: src.ID, Command: model.JournalExpunge, UID: origUID, Ignore: sessionID, Modseq: srcModseq, CreatedAt: now},
			model.JournalEntry{ID: uuid.NewString(), Mailbox: dst.ID, Command: model.JournalExists, UID: destUID, Message: m, Ignore: sessionID, Modseq: destModseq, CreatedAt: now},
		)
	}

	if len(updates) == 0 {
		return sourceUIDs, destUIDs, nil
	}
	if err := h.gw.BulkWriteMessages(ctx, updates); err != nil {
		return nil, nil, err
	}
	if err := h.gw.AppendJournal(ctx, entries); err != nil {
		return nil, nil, err
	}
	h.n.Fire(user.ID, sourcePath)
	h.n.Fire(user.ID, destPath)

	return sourceUIDs, destUIDs, nil
}

// CopyOne duplicates src into dest as a new document (new _id, fresh UID/
// MODSEQ), re-linking any attachment blobs to the new message id. It is the
// shared body the Command Dispatcher's COPY/UID COPY handlers call once per
// source message — each copy gets its own UID allocation rather than a
// bulk pre-allocated block. Move does not call it: it allocates its
// destination UIDs one message at a time in its own loop.
func (h *Handler) CopyOne(ctx context.Context, dest *model.Mailbox, sessionID string, src *model.Message) (destUID int64, destModseq int64, err error) {
	destUID, err = h.gw.FindAndIncrementUIDNext(ctx, dest.ID, 1)
	if err != nil {
		return 0, 0, err
	}
	destModseq, err = h.gw.FindAndIncrementModSeq(ctx, dest.ID, 1)
	if err != nil {
		return 0, 0, err
	}

	cp := *src
	cp.ID = primitive.NewObjectID()
	cp.Mailbox = dest.ID
	cp.UID = destUID
	cp.Modseq = destModseq
	cp.Meta.Source = model.SourceIMAPCopy

	if err := h.gw.InsertMessage(ctx, &cp); err != nil {
		return 0, 0, err
	}
	for _, blobID := range cp.AttachmentRefs {
		if err := h.gw.LinkAttachment(ctx, blobID, cp.ID); err != nil {
			return 0, 0, err
		}
	}

	entry := model.JournalEntry{
		ID:        uuid.NewString(),
		Mailbox:   dest.ID,
		Command:   model.JournalExists,
		UID:       destUID,
		Message:   &cp,
		Ignore:    sessionID,
		Modseq:    destModseq,
		CreatedAt: time.Now(),
	}
	if err := h.n.AddEntries(ctx, dest.User, dest.Path, []model.JournalEntry{entry}); err != nil {
		return 0, 0, err
	}

	return destUID, destModseq, nil
}
