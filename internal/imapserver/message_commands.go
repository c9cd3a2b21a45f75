package imapserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/google/uuid"

	"github.com/melvynkim/wildduck/internal/message"
	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/storage"
)

// tokenizeTopLevel splits on spaces outside of balanced parentheses, so a
// parenthesized item/flag list survives as one token.
func tokenizeTopLevel(s string) []string {
	var toks []string
	depth := 0
	var cur strings.Builder
	for _, r := range s {
		switch r {
		case '(':
			depth++
			cur.WriteRune(r)
		case ')':
			depth--
			cur.WriteRune(r)
		case ' ':
			if depth == 0 {
				if cur.Len() > 0 {
					toks = append(toks, cur.String())
					cur.Reset()
				}
			} else {
				cur.WriteRune(r)
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

// splitFetchItems splits a FETCH items token (with or without its enclosing
// parentheses) into individual item names, treating "[...]" sections as
// part of the same item even when they contain spaces (HEADER.FIELDS (...)).
func splitFetchItems(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = s[1 : len(s)-1]
	}
	var items []string
	depth := 0
	var cur strings.Builder
	for _, r := range s {
		switch r {
		case '[', '(':
			depth++
			cur.WriteRune(r)
		case ']', ')':
			depth--
			cur.WriteRune(r)
		case ' ':
			if depth == 0 {
				if cur.Len() > 0 {
					items = append(items, cur.String())
					cur.Reset()
				}
			} else {
				cur.WriteRune(r)
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		items = append(items, cur.String())
	}
	return items
}

// resolveUIDs translates a sequence-set or UID-set token against the
// session's current MailboxView into an explicit ascending UID list.
func (s *Session) resolveUIDs(spec string, isUID bool) ([]int64, error) {
	ranges, err := parseSeqSet(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	if view == nil {
		return nil, fmt.Errorf("imapserver: no mailbox selected")
	}

	if isUID {
		var maxUID int64
		if n := len(view.UIDs); n > 0 {
			maxUID = view.UIDs[n-1]
		}
		return expandUIDRanges(resolveAgainstMax(ranges, maxUID)), nil
	}

	maxMSN := int64(len(view.UIDs))
	resolved := resolveAgainstMax(ranges, maxMSN)
	var uids []int64
	for _, r := range resolved {
		lo, hi := r.Min, r.Max
		if lo < 1 {
			lo = 1
		}
		if hi > maxMSN {
			hi = maxMSN
		}
		for msn := lo; msn <= hi; msn++ {
			uids = append(uids, view.UIDs[msn-1])
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// handleFetch implements FETCH and (via isUID) UID FETCH, including
// CONDSTORE's CHANGEDSINCE modifier, resolving sequence/UID sets via
// resolveUIDs and rendering items via renderFetchItem.
func (s *Session) handleFetch(tag, args string, isUID bool) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	toks := tokenizeTopLevel(args)
	if len(toks) < 2 {
		return s.writeResponse(tag, "BAD", "FETCH expects sequence set and items")
	}
	seqSpec := toks[0]
	itemsTok := toks[1]

	var changedSince int64
	if len(toks) >= 3 {
		mod := strings.Trim(toks[2], "()")
		fields := strings.Fields(mod)
		if len(fields) == 2 && strings.EqualFold(fields[0], "CHANGEDSINCE") {
			changedSince, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}

	uids, err := s.resolveUIDs(seqSpec, isUID)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}
	items := expandFetchMacro(splitFetchItems(itemsTok))
	if isUID {
		hasUID := false
		for _, it := range items {
			if strings.EqualFold(it, "UID") {
				hasUID = true
			}
		}
		if !hasUID {
			items = append([]string{"UID"}, items...)
		}
	}

	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q := storage.MessageQuery{Mailbox: mb.ID, UIDs: uids, SortAscending: true}
	if changedSince > 0 {
		q.ModseqGT = changedSince
	}
	cur, err := s.server.Gateway.FindMessages(ctx, q)
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	defer cur.Close(ctx)

	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			continue
		}
		msn, ok := view.MSN(m.UID)
		if !ok {
			continue
		}
		var parts []string
		needsSeen := false
		for _, it := range items {
			rendered, marks := renderFetchItem(m, it)
			if rendered == "" {
				continue
			}
			parts = append(parts, rendered)
			if marks {
				needsSeen = true
			}
		}
		if err := s.writeUntagged(fmt.Sprintf("%d FETCH (%s)", msn, strings.Join(parts, " "))); err != nil {
			return err
		}
		if needsSeen && !m.HasFlag(model.FlagSeen) {
			s.markSeen(ctx, mb, m)
		}
	}
	if err := cur.Err(); err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}

	return s.writeResponse(tag, "OK", "FETCH completed")
}

func (s *Session) markSeen(ctx context.Context, mb *model.Mailbox, m *model.Message) {
	flags := append(append([]string(nil), m.Flags...), model.FlagSeen)
	modseq, err := s.server.Gateway.FindAndIncrementModSeq(ctx, mb.ID, 1)
	if err != nil {
		return
	}
	upd := storage.MessageUpdate{ID: m.ID, Set: bson.M{"flags": flags, "seen": true, "modseq": modseq}}
	if err := s.server.Gateway.BulkWriteMessages(ctx, []storage.MessageUpdate{upd}); err != nil {
		return
	}
	entry := model.JournalEntry{ID: uuid.NewString(), Mailbox: mb.ID, Command: model.JournalFetch, UID: m.UID, Flags: flags, Ignore: s.ID, Modseq: modseq, CreatedAt: time.Now()}
	_ = s.server.Notify.AddEntries(ctx, s.currentUser().ID, mb.Path, []model.JournalEntry{entry})
}

// handleStore implements STORE/UID STORE, including UNCHANGEDSINCE
// (CONDSTORE) and batching writes in groups of model.BulkThreshold, with
// +FLAGS/-FLAGS/FLAGS, .SILENT and per-flag add/remove semantics.
func (s *Session) handleStore(tag, args string, isUID bool) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	toks := tokenizeTopLevel(args)
	if len(toks) < 3 {
		return s.writeResponse(tag, "BAD", "STORE expects sequence, action and flags")
	}

	seqSpec := toks[0]
	idx := 1
	var unchangedSince int64
	if strings.HasPrefix(toks[1], "(") {
		mod := strings.Trim(toks[1], "()")
		fields := strings.Fields(mod)
		if len(fields) == 2 && strings.EqualFold(fields[0], "UNCHANGEDSINCE") {
			unchangedSince, _ = strconv.ParseInt(fields[1], 10, 64)
			idx = 2
		}
	}
	if idx+1 >= len(toks) {
		return s.writeResponse(tag, "BAD", "STORE expects an action and flags")
	}
	action := strings.ToUpper(toks[idx])
	flagsTok := strings.Join(toks[idx+1:], " ")
	flagsTok = strings.Trim(flagsTok, "()")
	newFlags := strings.Fields(flagsTok)
	silent := strings.Contains(action, ".SILENT")
	action = strings.TrimSuffix(action, ".SILENT")

	uids, err := s.resolveUIDs(seqSpec, isUID)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}

	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q := storage.MessageQuery{Mailbox: mb.ID, UIDs: uids, SortAscending: true}
	if unchangedSince > 0 {
		q.ModseqLE = unchangedSince
	}
	cur, err := s.server.Gateway.FindMessages(ctx, q)
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	var msgs []*model.Message
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			cur.Close(ctx)
			return s.writeResponse(tag, "NO", "database error")
		}
		msgs = append(msgs, m)
	}
	cerr := cur.Err()
	cur.Close(ctx)
	if cerr != nil {
		return s.writeResponse(tag, "NO", "database error")
	}

	var modifiedUIDs []int64
	if unchangedSince > 0 && len(msgs) < len(uids) {
		// Some requested UIDs were modified since unchangedSince and were
		// excluded by ModseqLE; report them as MODIFIED (RFC 7162 §3.1.3).
		// The response code travels in the command's single final tagged
		// line, not a separate tagged response.
		found := map[int64]bool{}
		for _, m := range msgs {
			found[m.UID] = true
		}
		for _, u := range uids {
			if !found[u] {
				modifiedUIDs = append(modifiedUIDs, u)
			}
		}
	}

	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	var entries []model.JournalEntry
	now := time.Now()
	learned := map[string]bool{}

	for batchStart := 0; batchStart < len(msgs); batchStart += model.BulkThreshold {
		end := batchStart + model.BulkThreshold
		if end > len(msgs) {
			end = len(msgs)
		}
		var updates []storage.MessageUpdate
		for _, m := range msgs[batchStart:end] {
			final := applyFlagAction(m.Flags, newFlags, action)
			modseq, err := s.server.Gateway.FindAndIncrementModSeq(ctx, mb.ID, 1)
			if err != nil {
				return s.writeResponse(tag, "NO", "database error")
			}
			m.Flags = final
			m.Modseq = modseq
			m.SyncDenormalizedFlags()
			updates = append(updates, storage.MessageUpdate{ID: m.ID, Set: bson.M{"flags": final, "seen": m.Seen, "flagged": m.Flagged, "deleted": m.Deleted, "modseq": modseq}})
			entries = append(entries, model.JournalEntry{ID: uuid.NewString(), Mailbox: mb.ID, Command: model.JournalFetch, UID: m.UID, Flags: final, Ignore: s.ID, Modseq: modseq, CreatedAt: now})
			for _, f := range final {
				if !strings.HasPrefix(f, `\`) {
					learned[f] = true
				}
			}
		}
		if len(updates) > 0 {
			if err := s.server.Gateway.BulkWriteMessages(ctx, updates); err != nil {
				return s.writeResponse(tag, "NO", "failed to update flags")
			}
		}
	}

	if len(learned) > 0 {
		kws := make([]string, 0, len(learned))
		for k := range learned {
			kws = append(kws, k)
		}
		_ = s.server.Gateway.LearnFlags(ctx, mb.ID, kws)
	}

	if len(entries) > 0 {
		if err := s.server.Notify.AddEntries(ctx, s.currentUser().ID, mb.Path, entries); err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
	}

	if !silent {
		for _, m := range msgs {
			msn, ok := view.MSN(m.UID)
			if !ok {
				continue
			}
			resp := fmt.Sprintf("%d FETCH (FLAGS (%s)", msn, flagsString(m))
			if isUID {
				resp += fmt.Sprintf(" UID %d", m.UID)
			}
			resp += ")"
			if err := s.writeUntagged(resp); err != nil {
				return err
			}
		}
	}

	if len(modifiedUIDs) > 0 {
		return s.writeResponse(tag, "OK", fmt.Sprintf("[%s %s] STORE completed", CodeModified, joinUIDs(modifiedUIDs)))
	}
	return s.writeResponse(tag, "OK", "STORE completed")
}

// applyFlagAction computes the resulting flag set for one message given a
// STORE action (+FLAGS adds, -FLAGS removes, FLAGS replaces).
func applyFlagAction(current, delta []string, action string) []string {
	switch {
	case strings.HasPrefix(action, "+FLAGS"):
		out := append([]string(nil), current...)
		for _, f := range delta {
			if !containsFold(out, f) {
				out = append(out, f)
			}
		}
		return out
	case strings.HasPrefix(action, "-FLAGS"):
		var out []string
		for _, f := range current {
			if !containsFold(delta, f) {
				out = append(out, f)
			}
		}
		return out
	default: // FLAGS
		return append([]string(nil), delta...)
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// handleCopy implements COPY/UID COPY via message.Handler.CopyOne, emitting
// the UIDPLUS COPYUID response (source-uids dest-uids). Grounded on the
// teacher's handleCopy (imap_core/message_commands.go).
func (s *Session) handleCopy(tag, args string, isUID bool) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	toks := tokenizeTopLevel(args)
	if len(toks) != 2 {
		return s.writeResponse(tag, "BAD", "COPY expects sequence set and mailbox")
	}
	uids, err := s.resolveUIDs(toks[0], isUID)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}
	destPath := parseMailboxPath(toks[1])

	user := s.currentUser()
	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest, err := s.server.Gateway.FindMailbox(ctx, user.ID, destPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] destination mailbox does not exist", CodeTryCreate))
		}
		return s.writeResponse(tag, "NO", "database error")
	}

	cur, err := s.server.Gateway.FindMessages(ctx, storage.MessageQuery{Mailbox: mb.ID, UIDs: uids, SortAscending: true})
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	defer cur.Close(ctx)

	var sourceUIDs, destUIDs []int64
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
		destUID, _, err := s.server.Messages.CopyOne(ctx, dest, s.ID, m)
		if err != nil {
			return s.writeResponse(tag, "NO", "COPY failed")
		}
		sourceUIDs = append(sourceUIDs, m.UID)
		destUIDs = append(destUIDs, destUID)
	}
	if err := cur.Err(); err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}

	return s.writeResponse(tag, "OK", fmt.Sprintf("[%s %d %s %s] COPY completed", CodeCopyUID, dest.UIDValidity, joinUIDs(sourceUIDs), joinUIDs(destUIDs)))
}

// handleMove implements MOVE/UID MOVE via message.Handler.Move, emitting
// EXPUNGE for every moved source UID and the same COPYUID-shaped response
// UIDPLUS's MOVE extension expects.
func (s *Session) handleMove(tag, args string, isUID bool) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	toks := tokenizeTopLevel(args)
	if len(toks) != 2 {
		return s.writeResponse(tag, "BAD", "MOVE expects sequence set and mailbox")
	}
	uids, err := s.resolveUIDs(toks[0], isUID)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}
	destPath := parseMailboxPath(toks[1])

	user := s.currentUser()
	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest, err := s.server.Gateway.FindMailbox(ctx, user.ID, destPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] destination mailbox does not exist", CodeTryCreate))
		}
		return s.writeResponse(tag, "NO", "database error")
	}

	sourceUIDs, destUIDs, err := s.server.Messages.Move(ctx, user, mb.Path, destPath, s.ID, uids)
	if err != nil {
		if errors.Is(err, message.ErrNonexistent) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] source mailbox does not exist", CodeNonexistent))
		}
		return s.writeResponse(tag, "NO", "MOVE failed")
	}

	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	type pair struct {
		uid int64
		msn int
	}
	var resolved []pair
	for _, u := range sourceUIDs {
		if msn, ok := view.MSN(u); ok {
			resolved = append(resolved, pair{u, msn})
		}
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].msn > resolved[j].msn })
	for _, p := range resolved {
		view.RemoveUID(p.uid)
		if err := s.writeUntagged(fmt.Sprintf("%d EXPUNGE", p.msn)); err != nil {
			return err
		}
	}
	return s.writeResponse(tag, "OK", fmt.Sprintf("[%s %d %s %s] MOVE completed", CodeCopyUID, dest.UIDValidity, joinUIDs(sourceUIDs), joinUIDs(destUIDs)))
}

func joinUIDs(uids []int64) string {
	if len(uids) == 0 {
		return "NIL"
	}
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatInt(u, 10)
	}
	return strings.Join(parts, ",")
}

