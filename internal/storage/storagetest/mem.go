// Package storagetest provides an in-memory storage.Gateway fake so
// dispatcher, session and notifier tests run without a live MongoDB.
package storagetest

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/storage"
)

// Gateway is an in-memory storage.Gateway. All methods are guarded by one
// mutex, mirroring the single-document-atomicity contract the real Mongo
// gateway gets for free from FindOneAndUpdate.
type Gateway struct {
	mu        sync.Mutex
	users     map[primitive.ObjectID]*model.User
	usersByNm map[string]primitive.ObjectID
	mailboxes map[primitive.ObjectID]*model.Mailbox
	messages  map[primitive.ObjectID]*model.Message
	journal   []model.JournalEntry
	blobs     map[string]*blob
}

type blob struct {
	data     []byte
	ct       string
	messages []primitive.ObjectID
}

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{
		users:     map[primitive.ObjectID]*model.User{},
		usersByNm: map[string]primitive.ObjectID{},
		mailboxes: map[primitive.ObjectID]*model.Mailbox{},
		messages:  map[primitive.ObjectID]*model.Message{},
		blobs:     map[string]*blob{},
	}
}

// PutUser seeds a user for a test and returns its id.
func (g *Gateway) PutUser(u *model.User) primitive.ObjectID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u.ID.IsZero() {
		u.ID = primitive.NewObjectID()
	}
	cp := *u
	g.users[u.ID] = &cp
	g.usersByNm[u.Username] = u.ID
	return u.ID
}

// PutMailbox seeds a mailbox for a test and returns its id.
func (g *Gateway) PutMailbox(mb *model.Mailbox) primitive.ObjectID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if mb.ID.IsZero() {
		mb.ID = primitive.NewObjectID()
	}
	cp := *mb
	g.mailboxes[mb.ID] = &cp
	return mb.ID
}

func (g *Gateway) FindUser(ctx context.Context, username string) (*model.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.usersByNm[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *g.users[id]
	return &cp, nil
}

func (g *Gateway) AdjustStorageUsed(ctx context.Context, userID primitive.ObjectID, delta int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.StorageUsed += delta
	return nil
}

func (g *Gateway) FindMailbox(ctx context.Context, userID primitive.ObjectID, path string) (*model.Mailbox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, mb := range g.mailboxes {
		if mb.User == userID && mb.Path == path {
			cp := *mb
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (g *Gateway) FindMailboxByID(ctx context.Context, id primitive.ObjectID) (*model.Mailbox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mb, ok := g.mailboxes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *mb
	return &cp, nil
}

func (g *Gateway) ListMailboxes(ctx context.Context, userID primitive.ObjectID, subscribedOnly bool) ([]*model.Mailbox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.Mailbox
	for _, mb := range g.mailboxes {
		if mb.User != userID {
			continue
		}
		if subscribedOnly && !mb.Subscribed {
			continue
		}
		cp := *mb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (g *Gateway) InsertMailbox(ctx context.Context, mailbox *model.Mailbox) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, mb := range g.mailboxes {
		if mb.User == mailbox.User && mb.Path == mailbox.Path {
			return storage.ErrAlreadyExists
		}
	}
	if mailbox.ID.IsZero() {
		mailbox.ID = primitive.NewObjectID()
	}
	cp := *mailbox
	g.mailboxes[mailbox.ID] = &cp
	return nil
}

func (g *Gateway) UpdateMailbox(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	mb, ok := g.mailboxes[id]
	if !ok {
		return storage.ErrNotFound
	}
	if v, ok := update["path"]; ok {
		mb.Path = v.(string)
	}
	if v, ok := update["subscribed"]; ok {
		mb.Subscribed = v.(bool)
	}
	if v, ok := update["flags"]; ok {
		mb.Flags = v.([]string)
	}
	if v, ok := update["specialUse"]; ok {
		mb.SpecialUse = v.(string)
	}
	return nil
}

func (g *Gateway) DeleteMailbox(ctx context.Context, id primitive.ObjectID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.mailboxes, id)
	return nil
}

func (g *Gateway) FindAndIncrementUIDNext(ctx context.Context, mailboxID primitive.ObjectID, n int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mb, ok := g.mailboxes[mailboxID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	prev := mb.UIDNext
	mb.UIDNext += n
	return prev, nil
}

func (g *Gateway) FindAndIncrementModSeq(ctx context.Context, mailboxID primitive.ObjectID, n int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mb, ok := g.mailboxes[mailboxID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	mb.ModifyIndex += n
	return mb.ModifyIndex, nil
}

func (g *Gateway) LearnFlags(ctx context.Context, mailboxID primitive.ObjectID, flags []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	mb, ok := g.mailboxes[mailboxID]
	if !ok {
		return storage.ErrNotFound
	}
	seen := map[string]bool{}
	for _, f := range mb.Flags {
		seen[f] = true
	}
	for _, f := range flags {
		if seen[f] || len(mb.Flags) >= model.MaxMailboxFlags {
			continue
		}
		mb.Flags = append(mb.Flags, f)
		seen[f] = true
	}
	return nil
}

func matchesQuery(m *model.Message, q storage.MessageQuery) bool {
	if m.Mailbox != q.Mailbox {
		return false
	}
	if q.UIDs != nil {
		found := false
		for _, u := range q.UIDs {
			if u == m.UID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.UIDRange != nil {
		if m.UID < q.UIDRange.Min {
			return false
		}
		if q.UIDRange.Max > 0 && m.UID > q.UIDRange.Max {
			return false
		}
	}
	if q.Deleted != nil && m.Deleted != *q.Deleted {
		return false
	}
	if q.ModseqGT > 0 && !(m.Modseq > q.ModseqGT) {
		return false
	}
	if q.ModseqLE > 0 && !(m.Modseq <= q.ModseqLE) {
		return false
	}
	if q.Extra != nil {
		if !matchExtra(m, q.Extra) {
			return false
		}
	}
	return true
}

// matchExtra supports the small set of bson.M shapes the search compiler
// emits: $or, $and and $nor, plus clauses on seen/flagged/deleted
// (equality), flags (equality, $ne, $elemMatch), size and dates
// ($gt/$gte/$lt/$lte) and headers ($elemMatch on key and value, the value
// as a string or regex). Other keys are ignored.
func matchExtra(m *model.Message, filter bson.M) bool {
	for k, v := range filter {
		switch k {
		case "$or":
			branches := v.([]bson.M)
			ok := false
			for _, b := range branches {
				if matchExtra(m, b) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		case "$and":
			for _, b := range v.([]bson.M) {
				if !matchExtra(m, b) {
					return false
				}
			}
		case "$nor":
			for _, b := range v.([]bson.M) {
				if matchExtra(m, b) {
					return false
				}
			}
		case "seen":
			if m.Seen != v.(bool) {
				return false
			}
		case "flagged":
			if m.Flagged != v.(bool) {
				return false
			}
		case "deleted":
			if m.Deleted != v.(bool) {
				return false
			}
		case "flags":
			if !matchFlagClause(m, v) {
				return false
			}
		case "size":
			if !matchNumClause(float64(m.Size), v) {
				return false
			}
		case "internaldate":
			if !matchTimeClause(m.InternalDate, v) {
				return false
			}
		case "headerdate":
			if !matchTimeClause(m.HeaderDate, v) {
				return false
			}
		case "headers":
			if !matchHeaderClause(m, v) {
				return false
			}
		}
	}
	return true
}

func matchFlagClause(m *model.Message, v interface{}) bool {
	switch c := v.(type) {
	case bson.M:
		if elem, ok := c["$elemMatch"]; ok {
			return matchFlagClause(m, elem)
		}
		if nin, ok := c["$ne"]; ok {
			return !m.HasFlag(nin.(string))
		}
	case string:
		return m.HasFlag(c)
	}
	return true
}

func matchNumClause(val float64, v interface{}) bool {
	c, ok := v.(bson.M)
	if !ok {
		return val == v.(float64)
	}
	for op, rv := range c {
		rf := rv.(float64)
		switch op {
		case "$gt":
			if !(val > rf) {
				return false
			}
		case "$gte":
			if !(val >= rf) {
				return false
			}
		case "$lt":
			if !(val < rf) {
				return false
			}
		case "$lte":
			if !(val <= rf) {
				return false
			}
		}
	}
	return true
}

func matchTimeClause(t interface{ Unix() int64 }, v interface{}) bool {
	c, ok := v.(bson.M)
	if !ok {
		return true
	}
	for op, rv := range c {
		rt, ok := rv.(interface{ Unix() int64 })
		if !ok {
			continue
		}
		switch op {
		case "$gt":
			if !(t.Unix() > rt.Unix()) {
				return false
			}
		case "$gte":
			if !(t.Unix() >= rt.Unix()) {
				return false
			}
		case "$lt":
			if !(t.Unix() < rt.Unix()) {
				return false
			}
		case "$lte":
			if !(t.Unix() <= rt.Unix()) {
				return false
			}
		}
	}
	return true
}

func matchHeaderClause(m *model.Message, v interface{}) bool {
	c, ok := v.(bson.M)
	if !ok {
		return true
	}
	elem, ok := c["$elemMatch"]
	if !ok {
		return true
	}
	em := elem.(bson.M)
	for _, h := range m.Headers {
		keyOK := true
		valOK := true
		if kv, ok := em["key"]; ok {
			keyOK = h.Key == kv.(string)
		}
		if vv, ok := em["value"]; ok {
			valOK = matchValue(vv, h.Value)
		}
		if keyOK && valOK {
			return true
		}
	}
	return false
}

// matchValue compares a stored header value against whatever matcher shape
// the search compiler produced: a plain string (exact), a *regexp.Regexp,
// or a primitive.Regex (the BSON-marshalable form used against real Mongo).
func matchValue(matcher interface{}, value string) bool {
	switch m := matcher.(type) {
	case string:
		return m == value
	case interface{ MatchString(string) bool }:
		return m.MatchString(value)
	case primitive.Regex:
		opts := 0
		if strings.Contains(m.Options, "i") {
			opts = 1
		}
		re, err := regexp.Compile(withCaseInsensitive(m.Pattern, opts == 1))
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return false
	}
}

func withCaseInsensitive(pattern string, ci bool) string {
	if ci {
		return "(?i)" + pattern
	}
	return pattern
}

type memCursor struct {
	items []*model.Message
	pos   int
}

func (c *memCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.items) {
		return false
	}
	c.pos++
	return true
}
func (c *memCursor) Decode(m *model.Message) error {
	*m = *c.items[c.pos-1]
	return nil
}
func (c *memCursor) Close(ctx context.Context) error { return nil }
func (c *memCursor) Err() error                      { return nil }

func (g *Gateway) FindMessages(ctx context.Context, q storage.MessageQuery) (storage.Cursor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var matched []*model.Message
	for _, m := range g.messages {
		if matchesQuery(m, q) {
			cp := *m
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UID < matched[j].UID })
	return &memCursor{items: matched}, nil
}

func (g *Gateway) CountMessages(ctx context.Context, q storage.MessageQuery) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int64
	for _, m := range g.messages {
		if matchesQuery(m, q) {
			n++
		}
	}
	return n, nil
}

func (g *Gateway) AggregateSize(ctx context.Context, mailboxID primitive.ObjectID) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total int64
	for _, m := range g.messages {
		if m.Mailbox == mailboxID {
			total += m.Size
		}
	}
	return total, nil
}

func (g *Gateway) InsertMessage(ctx context.Context, msg *model.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}
	cp := *msg
	g.messages[msg.ID] = &cp
	return nil
}

func (g *Gateway) BulkWriteMessages(ctx context.Context, updates []storage.MessageUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range updates {
		if u.Entire != nil {
			cp := *u.Entire
			g.messages[u.ID] = &cp
			continue
		}
		m, ok := g.messages[u.ID]
		if !ok {
			return storage.ErrNotFound
		}
		applySet(m, u.Set)
	}
	return nil
}

func applySet(m *model.Message, set bson.M) {
	if v, ok := set["flags"]; ok {
		m.Flags = v.([]string)
	}
	if v, ok := set["seen"]; ok {
		m.Seen = v.(bool)
	}
	if v, ok := set["flagged"]; ok {
		m.Flagged = v.(bool)
	}
	if v, ok := set["deleted"]; ok {
		m.Deleted = v.(bool)
	}
	if v, ok := set["modseq"]; ok {
		m.Modseq = v.(int64)
	}
	if v, ok := set["mailbox"]; ok {
		m.Mailbox = v.(primitive.ObjectID)
	}
	if v, ok := set["uid"]; ok {
		m.UID = v.(int64)
	}
}

func (g *Gateway) DeleteMessages(ctx context.Context, mailboxID primitive.ObjectID, filter bson.M) (int64, []int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var toDelete []primitive.ObjectID
	var uids []int64
	var size int64
	for id, m := range g.messages {
		if m.Mailbox != mailboxID {
			continue
		}
		if deleted, ok := filter["deleted"]; ok && m.Deleted != deleted.(bool) {
			continue
		}
		toDelete = append(toDelete, id)
		uids = append(uids, m.UID)
		size += m.Size
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, id := range toDelete {
		delete(g.messages, id)
	}
	return size, uids, nil
}

func (g *Gateway) AppendJournal(ctx context.Context, entries []model.JournalEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.journal = append(g.journal, entries...)
	return nil
}

func (g *Gateway) JournalSince(ctx context.Context, mailboxID primitive.ObjectID, modseq int64) ([]model.JournalEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.JournalEntry
	for _, e := range g.journal {
		if e.Mailbox == mailboxID && e.Modseq > modseq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modseq < out[j].Modseq })
	return out, nil
}

func (g *Gateway) TrimJournal(ctx context.Context, mailboxID primitive.ObjectID, beforeModseq int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.journal[:0]
	for _, e := range g.journal {
		if e.Mailbox == mailboxID && e.Modseq < beforeModseq {
			continue
		}
		kept = append(kept, e)
	}
	g.journal = kept
	return nil
}

func (g *Gateway) LinkAttachment(ctx context.Context, blobID string, messageID primitive.ObjectID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.blobs[blobID]
	if !ok {
		return storage.ErrNotFound
	}
	b.messages = append(b.messages, messageID)
	return nil
}

func (g *Gateway) UnlinkAttachment(ctx context.Context, blobID string, messageID primitive.ObjectID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.blobs[blobID]
	if !ok {
		return nil
	}
	out := b.messages[:0]
	removedOne := false
	for _, id := range b.messages {
		if !removedOne && id == messageID {
			removedOne = true
			continue
		}
		out = append(out, id)
	}
	b.messages = out
	return nil
}

func (g *Gateway) SweepOrphanAttachments(ctx context.Context, limit int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	swept := 0
	for id, b := range g.blobs {
		if swept >= limit {
			break
		}
		if len(b.messages) == 0 {
			delete(g.blobs, id)
			swept++
		}
	}
	return swept, nil
}

func (g *Gateway) StoreAttachment(ctx context.Context, blobID string, data []byte, contentType string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[blobID] = &blob{data: data, ct: contentType}
	return nil
}

func (g *Gateway) EnsureIndexes(ctx context.Context) error { return nil }

var _ storage.Gateway = (*Gateway)(nil)
