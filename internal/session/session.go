// Package session implements the per-connection selected-mailbox model:
// the UID list, MSN mapping, CONDSTORE cursor, and pending-notification
// queue that make a single IMAP session's view of a mailbox consistent
// while other sessions mutate it concurrently.
package session

import (
	"sort"

	"github.com/melvynkim/wildduck/internal/model"
)

// MailboxView is a session's live view of one selected mailbox.
type MailboxView struct {
	Mailbox           *model.Mailbox
	UIDs              []int64 // ascending; index+1 == MSN
	HighestModseqSeen int64
	CondstoreEnabled  bool
	QresyncEnabled    bool
	ReadOnly          bool // true if opened with EXAMINE

	pending      []model.JournalEntry
	seenEntryIDs map[string]struct{}
}

// NewMailboxView builds a view over mailbox with the given initial UID list,
// which must already be ascending (the caller loads it via a FindMessages
// query sorted by uid).
func NewMailboxView(mailbox *model.Mailbox, uids []int64, readOnly bool) *MailboxView {
	return &MailboxView{
		Mailbox:           mailbox,
		UIDs:              append([]int64(nil), uids...),
		HighestModseqSeen: mailbox.ModifyIndex,
		ReadOnly:          readOnly,
		seenEntryIDs:      make(map[string]struct{}),
	}
}

// MSN returns the 1-based message sequence number for uid, if present.
func (v *MailboxView) MSN(uid int64) (int, bool) {
	i := sort.Search(len(v.UIDs), func(i int) bool { return v.UIDs[i] >= uid })
	if i < len(v.UIDs) && v.UIDs[i] == uid {
		return i + 1, true
	}
	return 0, false
}

// InsertUID adds a newly EXISTS'd uid, keeping UIDs ascending. uid is
// expected to be larger than every existing entry (UIDs only increase), but
// the insertion point is still located by search to tolerate out-of-order
// delivery from a batched APPEND.
func (v *MailboxView) InsertUID(uid int64) {
	i := sort.Search(len(v.UIDs), func(i int) bool { return v.UIDs[i] >= uid })
	if i < len(v.UIDs) && v.UIDs[i] == uid {
		return // already present; duplicate EXISTS entry
	}
	v.UIDs = append(v.UIDs, 0)
	copy(v.UIDs[i+1:], v.UIDs[i:])
	v.UIDs[i] = uid
}

// RemoveUID deletes uid from the view, returning the MSN it occupied just
// before removal so the caller can emit a correctly numbered EXPUNGE.
func (v *MailboxView) RemoveUID(uid int64) (int, bool) {
	msn, ok := v.MSN(uid)
	if !ok {
		return 0, false
	}
	v.UIDs = append(v.UIDs[:msn-1], v.UIDs[msn:]...)
	return msn, true
}

// Enqueue appends newly observed journal entries to the pending queue,
// deduplicating by EntryID since Notifier delivery is at-least-once.
func (v *MailboxView) Enqueue(entries ...model.JournalEntry) {
	for _, e := range entries {
		if _, dup := v.seenEntryIDs[e.ID]; dup {
			continue
		}
		v.seenEntryIDs[e.ID] = struct{}{}
		v.pending = append(v.pending, e)
		if e.Modseq > v.HighestModseqSeen {
			v.HighestModseqSeen = e.Modseq
		}
	}
}

// ExpungeNotice pairs a drained EXPUNGE journal entry with the message
// sequence number it held at drain time. Drain removes the UID from the
// view as part of resolving it, so that MSN is not recoverable from the
// view afterward — it has to travel with the entry.
type ExpungeNotice struct {
	Entry model.JournalEntry
	MSN   int
}

// Drain empties the pending queue and returns it partitioned and ordered by
// the flush rule: EXISTS ascending by UID, then FETCH in arrival order,
// then EXPUNGE descending by the MSN each entry held at drain time (not at
// enqueue time). Entries whose Ignore equals selfID are dropped — they were
// this session's own change and it already knows about it.
//
// Every EXPUNGE entry's MSN is resolved against the view after the EXISTS
// insertions and before any removal; the UIDs are then removed in
// descending MSN order, so each removal leaves the smaller MSNs still to be
// emitted unchanged: this is what guarantees strictly decreasing emitted
// MSNs. On return v.UIDs reflects both the EXISTS insertions and the
// EXPUNGE removals, so a caller that emits FETCH lines ahead of the EXPUNGE
// lines must add back the expunged UIDs below each FETCH UID.
func (v *MailboxView) Drain(selfID string) (exists, fetch []model.JournalEntry, expunge []ExpungeNotice) {
	batch := v.pending
	v.pending = nil

	var existsEntries, fetchEntries, expungeEntries []model.JournalEntry
	for _, e := range batch {
		if e.Ignore == selfID {
			continue
		}
		switch e.Command {
		case model.JournalExists:
			existsEntries = append(existsEntries, e)
		case model.JournalFetch:
			fetchEntries = append(fetchEntries, e)
		case model.JournalExpunge:
			expungeEntries = append(expungeEntries, e)
		}
	}

	sort.Slice(existsEntries, func(i, j int) bool { return existsEntries[i].UID < existsEntries[j].UID })
	for _, e := range existsEntries {
		v.InsertUID(e.UID)
	}

	// Resolve EXPUNGE MSNs against the current UIDs, then apply in
	// descending-MSN order so each removal doesn't shift a later one.
	type resolved struct {
		entry model.JournalEntry
		msn   int
	}
	var toExpunge []resolved
	for _, e := range expungeEntries {
		if msn, ok := v.MSN(e.UID); ok {
			toExpunge = append(toExpunge, resolved{e, msn})
		}
	}
	sort.Slice(toExpunge, func(i, j int) bool { return toExpunge[i].msn > toExpunge[j].msn })

	out := make([]ExpungeNotice, 0, len(toExpunge))
	for _, r := range toExpunge {
		v.RemoveUID(r.entry.UID)
		out = append(out, ExpungeNotice{Entry: r.entry, MSN: r.msn})
	}

	return existsEntries, fetchEntries, out
}
