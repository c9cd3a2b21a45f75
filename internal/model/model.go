// Package model defines the persistent shapes shared by the storage gateway,
// message handler, notifier and command dispatcher.
package model

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message provenance, recorded in Message.Meta.Source.
const (
	SourceIMAP     = "IMAP"
	SourceIMAPCopy = "IMAPCOPY"
	SourceIMAPMove = "IMAPMOVE"
	SourceSMTP     = "SMTP"
	SourceLMTP     = "LMTP"
)

// Special-use mailbox role tags the core refuses to DELETE.
const (
	UseSent    = "Sent"
	UseTrash   = "Trash"
	UseJunk    = "Junk"
	UseDrafts  = "Drafts"
	UseArchive = "Archive"
)

// System IMAP flags. Flags outside this set are keywords and count against
// Mailbox.Flags' 100-entry cap.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// MaxMailboxFlags bounds Mailbox.Flags (custom keyword learning).
const MaxMailboxFlags = 100

// BulkThreshold is the batch size for STORE bulk writes. FETCH's
// mark-as-seen writes do not use it: they go one message per write.
const BulkThreshold = 150

// User is a mail account.
type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Username     string             `bson:"username"`
	PasswordHash string             `bson:"passwordHash"`
	Quota        int64              `bson:"quota"`       // bytes, 0 = unlimited
	StorageUsed  int64              `bson:"storageUsed"` // bytes, clamp >= 0 on read
}

// UsedClamped returns StorageUsed clamped to zero on read.
func (u *User) UsedClamped() int64 {
	if u.StorageUsed < 0 {
		return 0
	}
	return u.StorageUsed
}

// Mailbox is a user folder.
type Mailbox struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	User        primitive.ObjectID `bson:"user"`
	Path        string             `bson:"path"`
	UIDValidity int64              `bson:"uidValidity"`
	UIDNext     int64              `bson:"uidNext"`
	ModifyIndex int64              `bson:"modifyIndex"`
	Subscribed  bool               `bson:"subscribed"`
	Flags       []string           `bson:"flags"`
	SpecialUse  string             `bson:"specialUse,omitempty"`
}

// Meta records where a message came from.
type Meta struct {
	Source    string    `bson:"source"`
	Recipient string    `bson:"recipient,omitempty"`
	IngestAt  time.Time `bson:"ingestAt"`
}

// HeaderField is a single raw header line, key lower-cased.
type HeaderField struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// Message is one stored email.
type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	Mailbox        primitive.ObjectID `bson:"mailbox"`
	UID            int64              `bson:"uid"`
	Modseq         int64              `bson:"modseq"`
	InternalDate   time.Time          `bson:"internaldate"`
	HeaderDate     time.Time          `bson:"headerdate"`
	Flags          []string           `bson:"flags"`
	Seen           bool               `bson:"seen"`
	Flagged        bool               `bson:"flagged"`
	Deleted        bool               `bson:"deleted"`
	Size           int64              `bson:"size"`
	Envelope       []interface{}      `bson:"envelope"`
	BodyStructure  interface{}        `bson:"bodystructure"`
	MimeTreeRef    string             `bson:"mimeTreeRef,omitempty"`
	Headers        []HeaderField      `bson:"headers"`
	AttachmentRefs []string           `bson:"attachmentRefs,omitempty"` // blob ids (sha256 hex) linked to this message
	Raw            []byte             `bson:"-"`                       // transient, not persisted: the RFC5322 bytes
	Meta           Meta               `bson:"meta"`
}

// HasFlag reports case-insensitive membership against an arbitrary flag
// or keyword name.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// SyncDenormalizedFlags recomputes Seen/Flagged/Deleted from Flags: these
// denormalized booleans must always equal flag-set membership.
func (m *Message) SyncDenormalizedFlags() {
	m.Seen = m.HasFlag(FlagSeen)
	m.Flagged = m.HasFlag(FlagFlagged)
	m.Deleted = m.HasFlag(FlagDeleted)
}

// JournalEntry is an append-only per-mailbox change record.
type JournalEntry struct {
	ID        string             `bson:"entryId"` // uuid, used for session-side dedup
	Mailbox   primitive.ObjectID `bson:"mailbox"`
	Command   string             `bson:"command"` // EXISTS | EXPUNGE | FETCH
	UID       int64              `bson:"uid"`
	Message   *Message           `bson:"message,omitempty"`
	Flags     []string           `bson:"flags,omitempty"`
	Ignore    string             `bson:"ignore,omitempty"` // session id to suppress delivery to
	Modseq    int64              `bson:"modseq"`
	CreatedAt time.Time          `bson:"createdAt"`
}

const (
	JournalExists  = "EXISTS"
	JournalExpunge = "EXPUNGE"
	JournalFetch   = "FETCH"
)
