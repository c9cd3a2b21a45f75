package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/melvynkim/wildduck/internal/model"
)

// mongoGateway is the production Gateway, collecting what would otherwise
// be scattered Database.Collection(...) calls into one place, with atomic
// UID/MODSEQ allocation via FindOneAndUpdate's $inc.
type mongoGateway struct {
	db      *mongo.Database
	blobs   *gridfs.Bucket
	timeout time.Duration
}

// NewMongoGateway wraps a database handle. bucket is the GridFS bucket used
// for attachment blobs (imap_core/indexer.go's gridfs.NewBucket, generalized).
func NewMongoGateway(db *mongo.Database) (Gateway, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("attachments"))
	if err != nil {
		return nil, fmt.Errorf("storage: open gridfs bucket: %w", err)
	}
	return &mongoGateway{db: db, blobs: bucket, timeout: 30 * time.Second}, nil
}

func (g *mongoGateway) users() *mongo.Collection     { return g.db.Collection("users") }
func (g *mongoGateway) mailboxes() *mongo.Collection { return g.db.Collection("mailboxes") }
func (g *mongoGateway) messages() *mongo.Collection  { return g.db.Collection("messages") }
func (g *mongoGateway) journal() *mongo.Collection   { return g.db.Collection("journal") }

func (g *mongoGateway) FindUser(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := g.users().FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find user: %w", err)
	}
	return &u, nil
}

func (g *mongoGateway) AdjustStorageUsed(ctx context.Context, userID primitive.ObjectID, delta int64) error {
	_, err := g.users().UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$inc": bson.M{"storageUsed": delta}})
	if err != nil {
		return fmt.Errorf("storage: adjust storage used: %w", err)
	}
	return nil
}

func (g *mongoGateway) FindMailbox(ctx context.Context, userID primitive.ObjectID, path string) (*model.Mailbox, error) {
	var mb model.Mailbox
	err := g.mailboxes().FindOne(ctx, bson.M{"user": userID, "path": path}).Decode(&mb)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find mailbox: %w", err)
	}
	return &mb, nil
}

func (g *mongoGateway) FindMailboxByID(ctx context.Context, id primitive.ObjectID) (*model.Mailbox, error) {
	var mb model.Mailbox
	err := g.mailboxes().FindOne(ctx, bson.M{"_id": id}).Decode(&mb)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find mailbox by id: %w", err)
	}
	return &mb, nil
}

func (g *mongoGateway) ListMailboxes(ctx context.Context, userID primitive.ObjectID, subscribedOnly bool) ([]*model.Mailbox, error) {
	filter := bson.M{"user": userID}
	if subscribedOnly {
		filter["subscribed"] = true
	}
	cur, err := g.mailboxes().Find(ctx, filter, options.Find().SetSort(bson.M{"path": 1}))
	if err != nil {
		return nil, fmt.Errorf("storage: list mailboxes: %w", err)
	}
	defer cur.Close(ctx)

	var out []*model.Mailbox
	for cur.Next(ctx) {
		var mb model.Mailbox
		if err := cur.Decode(&mb); err != nil {
			return nil, fmt.Errorf("storage: decode mailbox: %w", err)
		}
		out = append(out, &mb)
	}
	return out, cur.Err()
}

func (g *mongoGateway) InsertMailbox(ctx context.Context, mailbox *model.Mailbox) error {
	if mailbox.ID.IsZero() {
		mailbox.ID = primitive.NewObjectID()
	}
	_, err := g.mailboxes().InsertOne(ctx, mailbox)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("storage: insert mailbox: %w", err)
	}
	return nil
}

func (g *mongoGateway) UpdateMailbox(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	res, err := g.mailboxes().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("storage: update mailbox: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *mongoGateway) DeleteMailbox(ctx context.Context, id primitive.ObjectID) error {
	_, err := g.mailboxes().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("storage: delete mailbox: %w", err)
	}
	return nil
}

// FindAndIncrementUIDNext is the UID allocator: a single FindOneAndUpdate
// round trip makes the read-modify-write atomic, which is what strict
// uidNext monotonicity depends on.
func (g *mongoGateway) FindAndIncrementUIDNext(ctx context.Context, mailboxID primitive.ObjectID, n int64) (int64, error) {
	var mb model.Mailbox
	err := g.mailboxes().FindOneAndUpdate(ctx,
		bson.M{"_id": mailboxID},
		bson.M{"$inc": bson.M{"uidNext": n}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&mb)
	if err == mongo.ErrNoDocuments {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: increment uidnext: %w", err)
	}
	return mb.UIDNext, nil
}

func (g *mongoGateway) FindAndIncrementModSeq(ctx context.Context, mailboxID primitive.ObjectID, n int64) (int64, error) {
	var mb model.Mailbox
	err := g.mailboxes().FindOneAndUpdate(ctx,
		bson.M{"_id": mailboxID},
		bson.M{"$inc": bson.M{"modifyIndex": n}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&mb)
	if err == mongo.ErrNoDocuments {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: increment modseq: %w", err)
	}
	return mb.ModifyIndex, nil
}

func (g *mongoGateway) LearnFlags(ctx context.Context, mailboxID primitive.ObjectID, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	mb, err := g.FindMailboxByID(ctx, mailboxID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(mb.Flags))
	for _, f := range mb.Flags {
		seen[f] = true
	}
	updated := mb.Flags
	for _, f := range flags {
		if seen[f] {
			continue
		}
		if len(updated) >= model.MaxMailboxFlags {
			break
		}
		updated = append(updated, f)
		seen[f] = true
	}
	if len(updated) == len(mb.Flags) {
		return nil
	}
	return g.UpdateMailbox(ctx, mailboxID, bson.M{"flags": updated})
}

func queryFilter(q MessageQuery) bson.M {
	filter := bson.M{"mailbox": q.Mailbox}
	if q.UIDs != nil {
		filter["uid"] = bson.M{"$in": q.UIDs}
	}
	if q.UIDRange != nil {
		r := bson.M{"$gte": q.UIDRange.Min}
		if q.UIDRange.Max > 0 {
			r["$lte"] = q.UIDRange.Max
		}
		filter["uid"] = r
	}
	if q.Deleted != nil {
		filter["deleted"] = *q.Deleted
	}
	if q.ModseqGT > 0 {
		filter["modseq"] = bson.M{"$gt": q.ModseqGT}
	}
	if q.ModseqLE > 0 {
		existing, _ := filter["modseq"].(bson.M)
		if existing == nil {
			existing = bson.M{}
		}
		existing["$lte"] = q.ModseqLE
		filter["modseq"] = existing
	}
	for k, v := range q.Extra {
		filter[k] = v
	}
	return filter
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool          { return c.cur.Next(ctx) }
func (c *mongoCursor) Decode(m *model.Message) error           { return c.cur.Decode(m) }
func (c *mongoCursor) Close(ctx context.Context) error          { return c.cur.Close(ctx) }
func (c *mongoCursor) Err() error                               { return c.cur.Err() }

func (g *mongoGateway) FindMessages(ctx context.Context, q MessageQuery) (Cursor, error) {
	order := 1
	if !q.SortAscending {
		order = 1 // uid order is always ascending unless a handler reverses client-side (EXPUNGE high-to-low)
	}
	cur, err := g.messages().Find(ctx, queryFilter(q), options.Find().SetSort(bson.M{"uid": order}))
	if err != nil {
		return nil, fmt.Errorf("storage: find messages: %w", err)
	}
	return &mongoCursor{cur: cur}, nil
}

func (g *mongoGateway) CountMessages(ctx context.Context, q MessageQuery) (int64, error) {
	n, err := g.messages().CountDocuments(ctx, queryFilter(q))
	if err != nil {
		return 0, fmt.Errorf("storage: count messages: %w", err)
	}
	return n, nil
}

func (g *mongoGateway) AggregateSize(ctx context.Context, mailboxID primitive.ObjectID) (int64, error) {
	cur, err := g.messages().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"mailbox": mailboxID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}}},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: aggregate size: %w", err)
	}
	defer cur.Close(ctx)
	var row struct {
		Total int64 `bson:"total"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&row); err != nil {
			return 0, fmt.Errorf("storage: decode aggregate: %w", err)
		}
	}
	return row.Total, cur.Err()
}

func (g *mongoGateway) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}
	_, err := g.messages().InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// BulkWriteMessages uses an ordered bulk write: it aborts and reports on the
// first failure rather than silently skipping documents.
func (g *mongoGateway) BulkWriteMessages(ctx context.Context, updates []MessageUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		if u.Entire != nil {
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": u.ID}).
				SetReplacement(u.Entire))
			continue
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.ID}).
			SetUpdate(bson.M{"$set": u.Set}))
	}
	_, err := g.messages().BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("storage: bulk write messages: %w", err)
	}
	return nil
}

func (g *mongoGateway) DeleteMessages(ctx context.Context, mailboxID primitive.ObjectID, filter bson.M) (int64, []int64, error) {
	full := bson.M{"mailbox": mailboxID}
	for k, v := range filter {
		full[k] = v
	}
	cur, err := g.messages().Find(ctx, full, options.Find().SetSort(bson.M{"uid": 1}))
	if err != nil {
		return 0, nil, fmt.Errorf("storage: find messages to delete: %w", err)
	}
	var uids []int64
	var size int64
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			cur.Close(ctx)
			return 0, nil, fmt.Errorf("storage: decode message to delete: %w", err)
		}
		uids = append(uids, m.UID)
		size += m.Size
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return 0, nil, err
	}

	if _, err := g.messages().DeleteMany(ctx, full); err != nil {
		return 0, nil, fmt.Errorf("storage: delete messages: %w", err)
	}
	return size, uids, nil
}

func (g *mongoGateway) AppendJournal(ctx context.Context, entries []model.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = time.Now().UTC()
		}
		docs[i] = entries[i]
	}
	_, err := g.journal().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("storage: append journal: %w", err)
	}
	return nil
}

func (g *mongoGateway) JournalSince(ctx context.Context, mailboxID primitive.ObjectID, modseq int64) ([]model.JournalEntry, error) {
	cur, err := g.journal().Find(ctx,
		bson.M{"mailbox": mailboxID, "modseq": bson.M{"$gt": modseq}},
		options.Find().SetSort(bson.M{"modseq": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: journal since: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.JournalEntry
	for cur.Next(ctx) {
		var e model.JournalEntry
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("storage: decode journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

// TrimJournal deletes entries older than every session's seen MODSEQ.
// Best-effort: errors are the caller's to log, never fatal.
func (g *mongoGateway) TrimJournal(ctx context.Context, mailboxID primitive.ObjectID, beforeModseq int64) error {
	_, err := g.journal().DeleteMany(ctx, bson.M{"mailbox": mailboxID, "modseq": bson.M{"$lt": beforeModseq}})
	if err != nil {
		return fmt.Errorf("storage: trim journal: %w", err)
	}
	return nil
}

func (g *mongoGateway) LinkAttachment(ctx context.Context, blobID string, messageID primitive.ObjectID) error {
	_, err := g.db.Collection("attachments.files").UpdateOne(ctx,
		bson.M{"filename": blobID},
		bson.M{"$push": bson.M{"metadata.messages": messageID}},
	)
	if err != nil {
		return fmt.Errorf("storage: link attachment: %w", err)
	}
	return nil
}

// UnlinkAttachment pulls messageID from the blob's reference multiset in
// one atomic operation.
func (g *mongoGateway) UnlinkAttachment(ctx context.Context, blobID string, messageID primitive.ObjectID) error {
	_, err := g.db.Collection("attachments.files").UpdateOne(ctx,
		bson.M{"filename": blobID},
		bson.M{"$pull": bson.M{"metadata.messages": messageID}},
	)
	if err != nil {
		return fmt.Errorf("storage: unlink attachment: %w", err)
	}
	return nil
}

// SweepOrphanAttachments deletes blobs whose reference multiset is empty at
// delete time; a racing LinkAttachment simply makes the filter not match,
// so the blob survives.
func (g *mongoGateway) SweepOrphanAttachments(ctx context.Context, limit int) (int, error) {
	cur, err := g.db.Collection("attachments.files").Find(ctx,
		bson.M{"metadata.messages": bson.M{"$size": 0}},
		options.Find().SetLimit(int64(limit)),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: find orphan attachments: %w", err)
	}
	defer cur.Close(ctx)

	swept := 0
	for cur.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		res, err := g.db.Collection("attachments.files").DeleteOne(ctx, bson.M{
			"_id":                doc.ID,
			"metadata.messages": bson.M{"$size": 0},
		})
		if err != nil {
			continue
		}
		if res.DeletedCount > 0 {
			if err := g.blobs.Delete(doc.ID); err != nil {
				continue
			}
			swept++
		}
	}
	return swept, cur.Err()
}

func (g *mongoGateway) StoreAttachment(ctx context.Context, blobID string, data []byte, contentType string) error {
	uploadStream, err := g.blobs.OpenUploadStream(blobID,
		options.GridFSUpload().SetMetadata(bson.M{
			"messages":    []primitive.ObjectID{},
			"contentType": contentType,
		}),
	)
	if err != nil {
		return fmt.Errorf("storage: open attachment upload stream: %w", err)
	}
	defer uploadStream.Close()
	if _, err := uploadStream.Write(data); err != nil {
		return fmt.Errorf("storage: write attachment: %w", err)
	}
	return nil
}
