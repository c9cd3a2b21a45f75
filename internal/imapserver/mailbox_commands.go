package imapserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/google/uuid"
	"github.com/melvynkim/wildduck/internal/message"
	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/session"
	"github.com/melvynkim/wildduck/internal/storage"
)

func mailboxFlags(mb *model.Mailbox, all []*model.Mailbox) string {
	if mb.SpecialUse != "" {
		return `\` + mb.SpecialUse
	}
	for _, other := range all {
		if strings.HasPrefix(other.Path, mb.Path+"/") {
			return `\HasChildren`
		}
	}
	return `\HasNoChildren`
}

// handleList answers LIST via the Gateway's ListMailboxes.
func (s *Session) handleList(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mailboxes, err := s.server.Gateway.ListMailboxes(ctx, user.ID, false)
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	for _, mb := range mailboxes {
		resp := fmt.Sprintf(`LIST (%s) "/" "%s"`, mailboxFlags(mb, mailboxes), mb.Path)
		if err := s.writeUntagged(resp); err != nil {
			return err
		}
	}
	return s.writeResponse(tag, "OK", "LIST completed")
}

func (s *Session) handleLsub(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mailboxes, err := s.server.Gateway.ListMailboxes(ctx, user.ID, true)
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	for _, mb := range mailboxes {
		resp := fmt.Sprintf(`LSUB (%s) "/" "%s"`, mailboxFlags(mb, mailboxes), mb.Path)
		if err := s.writeUntagged(resp); err != nil {
			return err
		}
	}
	return s.writeResponse(tag, "OK", "LSUB completed")
}

// handleSelect opens mailboxPath in the session, building a MailboxView
// over every UID in the mailbox (including \Deleted ones) and subscribing to the Notifier for future
// changes. readOnly distinguishes SELECT from EXAMINE, using
// session.MailboxView for MSN bookkeeping and notifier.Subscribe for
// cross-session wakeups.
func (s *Session) handleSelect(tag, args string, readOnly bool) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	path := parseMailboxPath(args)
	if path == "" {
		return s.writeResponse(tag, "BAD", "invalid mailbox name")
	}

	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb, err := s.server.Gateway.FindMailbox(ctx, user.ID, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] mailbox does not exist", CodeNonexistent))
		}
		return s.writeResponse(tag, "NO", "database error")
	}

	cur, err := s.server.Gateway.FindMessages(ctx, storage.MessageQuery{Mailbox: mb.ID, SortAscending: true})
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	defer cur.Close(ctx)

	var uids []int64
	unseen := 0
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
		uids = append(uids, m.UID)
		if !m.Seen {
			unseen++
		}
	}
	if err := cur.Err(); err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}

	s.unselect()

	view := session.NewMailboxView(mb, uids, readOnly)
	view.CondstoreEnabled = true
	wake, cancelSub := s.server.Notify.Subscribe(user.ID, path, s.ID)

	s.mu.Lock()
	s.mailbox = mb
	s.view = view
	s.wake = wake
	s.cancelSub = cancelSub
	s.condstoreEnabled = true
	s.state = StateSelected
	s.mu.Unlock()

	if err := s.writeUntagged(fmt.Sprintf("%d EXISTS", len(uids))); err != nil {
		return err
	}
	if err := s.writeUntagged("0 RECENT"); err != nil {
		return err
	}
	flags := strings.Join(append([]string{model.FlagAnswered, model.FlagFlagged, model.FlagDeleted, model.FlagSeen, model.FlagDraft}, mb.Flags...), " ")
	if err := s.writeUntagged(fmt.Sprintf("FLAGS (%s)", flags)); err != nil {
		return err
	}
	if err := s.writeUntagged(fmt.Sprintf("OK [PERMANENTFLAGS (%s \\*)] Limited", flags)); err != nil {
		return err
	}
	if err := s.writeUntagged(fmt.Sprintf("OK [UIDNEXT %d] Predicted next UID", mb.UIDNext)); err != nil {
		return err
	}
	if err := s.writeUntagged(fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", mb.UIDValidity)); err != nil {
		return err
	}
	if err := s.writeUntagged(fmt.Sprintf("OK [HIGHESTMODSEQ %d] Highest", mb.ModifyIndex)); err != nil {
		return err
	}
	_ = unseen

	if readOnly {
		return s.writeResponse(tag, "OK", fmt.Sprintf("[%s] SELECT completed, now in selected state", CodeReadOnly))
	}
	return s.writeResponse(tag, "OK", fmt.Sprintf("[%s] SELECT completed, now in selected state", CodeReadWrite))
}

func (s *Session) handleCreate(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	path := parseMailboxPath(args)
	if path == "" {
		return s.writeResponse(tag, "BAD", "invalid mailbox name")
	}
	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.server.Gateway.FindMailbox(ctx, user.ID, path); err == nil {
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] mailbox already exists", CodeAlreadyExists))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return s.writeResponse(tag, "NO", "database error")
	}

	mb := &model.Mailbox{
		ID:          primitive.NewObjectID(),
		User:        user.ID,
		Path:        path,
		UIDValidity: time.Now().Unix(),
		UIDNext:     1,
		Subscribed:  true,
		Flags:       []string{},
	}
	if err := s.server.Gateway.InsertMailbox(ctx, mb); err != nil {
		return s.writeResponse(tag, "NO", "failed to create mailbox")
	}
	return s.writeResponse(tag, "OK", "CREATE completed")
}

// isProtectedSpecialUse reports whether DELETE must refuse to remove a
// mailbox with this special-use role.
func isProtectedSpecialUse(use string) bool {
	switch use {
	case model.UseSent, model.UseTrash, model.UseJunk, model.UseDrafts, model.UseArchive:
		return true
	default:
		return false
	}
}

func (s *Session) handleDelete(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	path := parseMailboxPath(args)
	if path == "" {
		return s.writeResponse(tag, "BAD", "invalid mailbox name")
	}
	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb, err := s.server.Gateway.FindMailbox(ctx, user.ID, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] mailbox does not exist", CodeNonexistent))
		}
		return s.writeResponse(tag, "NO", "database error")
	}
	if isProtectedSpecialUse(mb.SpecialUse) {
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] cannot delete special mailbox", CodeCannot))
	}

	if err := s.unlinkAllAttachments(ctx, mb.ID); err != nil {
		return s.writeResponse(tag, "NO", "failed to unlink attachments")
	}
	deletedSize, _, err := s.server.Gateway.DeleteMessages(ctx, mb.ID, bson.M{})
	if err != nil {
		return s.writeResponse(tag, "NO", "failed to delete messages")
	}
	if deletedSize > 0 {
		_ = s.server.Gateway.AdjustStorageUsed(ctx, user.ID, -deletedSize)
	}
	if err := s.server.Gateway.TrimJournal(ctx, mb.ID, math.MaxInt64); err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	if err := s.server.Gateway.DeleteMailbox(ctx, mb.ID); err != nil {
		return s.writeResponse(tag, "NO", "failed to delete mailbox")
	}
	return s.writeResponse(tag, "OK", "DELETE completed")
}

func (s *Session) unlinkAllAttachments(ctx context.Context, mailboxID primitive.ObjectID) error {
	cur, err := s.server.Gateway.FindMessages(ctx, storage.MessageQuery{Mailbox: mailboxID, SortAscending: true})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			return err
		}
		for _, blobID := range m.AttachmentRefs {
			if err := s.server.Gateway.UnlinkAttachment(ctx, blobID, m.ID); err != nil {
				return err
			}
		}
	}
	return cur.Err()
}

// handleRename moves oldPath (and every descendant "oldPath/..." mailbox) to
// newPath, rewriting each descendant's suffix in place, instead of only
// rewriting the exact path and silently orphaning any hierarchical children.
// It rejects with ALREADYEXISTS, before any write, if newPath or any
// "newPath/..." mailbox already exists.
func (s *Session) handleRename(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	parts := parseQuotedArguments(args)
	if len(parts) != 2 {
		return s.writeResponse(tag, "BAD", "RENAME expects old and new mailbox names")
	}
	oldPath, newPath := parts[0], parts[1]
	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.server.Gateway.FindMailbox(ctx, user.ID, newPath); err == nil {
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] destination mailbox already exists", CodeAlreadyExists))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return s.writeResponse(tag, "NO", "database error")
	}

	all, err := s.server.Gateway.ListMailboxes(ctx, user.ID, false)
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}

	for _, mb := range all {
		if strings.HasPrefix(mb.Path, newPath+"/") {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] destination mailbox already exists", CodeAlreadyExists))
		}
	}

	prefix := oldPath + "/"
	var toRename []*model.Mailbox
	for _, mb := range all {
		if mb.Path == oldPath || strings.HasPrefix(mb.Path, prefix) {
			toRename = append(toRename, mb)
		}
	}
	if len(toRename) == 0 {
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] source mailbox does not exist", CodeNonexistent))
	}

	for _, mb := range toRename {
		newMBPath := newPath + strings.TrimPrefix(mb.Path, oldPath)
		if err := s.server.Gateway.UpdateMailbox(ctx, mb.ID, bson.M{"path": newMBPath}); err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
	}
	return s.writeResponse(tag, "OK", "RENAME completed")
}

func (s *Session) handleSubscribe(tag, args string, subscribed bool) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	path := parseMailboxPath(args)
	if path == "" {
		return s.writeResponse(tag, "BAD", "invalid mailbox name")
	}
	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb, err := s.server.Gateway.FindMailbox(ctx, user.ID, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] mailbox does not exist", CodeNonexistent))
		}
		return s.writeResponse(tag, "NO", "database error")
	}
	if err := s.server.Gateway.UpdateMailbox(ctx, mb.ID, bson.M{"subscribed": subscribed}); err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	verb := "SUBSCRIBE"
	if !subscribed {
		verb = "UNSUBSCRIBE"
	}
	return s.writeResponse(tag, "OK", verb+" completed")
}

// handleStatus answers STATUS, including when mailboxPath is the currently
// selected mailbox: it is allowed and always re-queries by path, so
// always reflects the live count, not a cached one.
func (s *Session) handleStatus(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	parts := strings.SplitN(args, " ", 2)
	if len(parts) != 2 {
		return s.writeResponse(tag, "BAD", "STATUS expects mailbox and status items")
	}
	path := parseMailboxPath(parts[0])
	items := strings.ToUpper(parts[1])

	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb, err := s.server.Gateway.FindMailbox(ctx, user.ID, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] mailbox does not exist", CodeNonexistent))
		}
		return s.writeResponse(tag, "NO", "database error")
	}

	var pairs []string
	if strings.Contains(items, "MESSAGES") {
		total, err := s.server.Gateway.CountMessages(ctx, storage.MessageQuery{Mailbox: mb.ID})
		if err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
		pairs = append(pairs, fmt.Sprintf("MESSAGES %d", total))
	}
	if strings.Contains(items, "RECENT") {
		pairs = append(pairs, "RECENT 0")
	}
	if strings.Contains(items, "UIDNEXT") {
		pairs = append(pairs, fmt.Sprintf("UIDNEXT %d", mb.UIDNext))
	}
	if strings.Contains(items, "UIDVALIDITY") {
		pairs = append(pairs, fmt.Sprintf("UIDVALIDITY %d", mb.UIDValidity))
	}
	if strings.Contains(items, "UNSEEN") {
		notSeen := false
		unseen, err := s.server.Gateway.CountMessages(ctx, storage.MessageQuery{Mailbox: mb.ID, Extra: bson.M{"seen": notSeen}})
		if err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
		pairs = append(pairs, fmt.Sprintf("UNSEEN %d", unseen))
	}
	if strings.Contains(items, "HIGHESTMODSEQ") {
		pairs = append(pairs, fmt.Sprintf("HIGHESTMODSEQ %d", mb.ModifyIndex))
	}

	if err := s.writeUntagged(fmt.Sprintf(`STATUS "%s" (%s)`, path, strings.Join(pairs, " "))); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "STATUS completed")
}

// handleAppend parses "mailbox (flags) [date] {N}" and reads the literal,
// delegating storage to message.Handler.Add.
func (s *Session) handleAppend(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	path, flags, internalDate, literalSpec, err := parseAppendArgs(args)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}
	raw, err := s.readLiteral(literalSpec)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return s.writeProtocolErr(tag, err)
		}
		return s.writeResponse(tag, "NO", "failed to read literal")
	}

	user := s.currentUser()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	uid, uidValidity, err := s.server.Messages.Add(ctx, user, path, flags, internalDate, raw, model.Meta{Source: model.SourceIMAP, IngestAt: time.Now()})
	if err != nil {
		switch {
		case errors.Is(err, message.ErrTryCreate):
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] mailbox does not exist", CodeTryCreate))
		case errors.Is(err, message.ErrOverQuota):
			return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] quota exceeded", CodeOverQuota))
		default:
			return s.writeResponse(tag, "NO", "APPEND failed")
		}
	}
	return s.writeResponse(tag, "OK", fmt.Sprintf("[%s %d %d] APPEND completed", CodeAppendUID, uidValidity, uid))
}

// parseAppendArgs splits APPEND's argument string into mailbox, optional
// flag list, optional date-time, and the trailing "{N}" / "{N+}" literal
// marker.
func parseAppendArgs(args string) (path string, flags []string, internalDate time.Time, literalSpec string, err error) {
	args = strings.TrimSpace(args)
	idx := strings.LastIndexByte(args, '{')
	if idx < 0 || !strings.HasSuffix(args, "}") {
		return "", nil, time.Time{}, "", fmt.Errorf("APPEND requires a literal message")
	}
	literalSpec = args[idx+1:]
	rest := strings.TrimSpace(args[:idx])

	var mailboxTok string
	if strings.HasPrefix(rest, `"`) {
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return "", nil, time.Time{}, "", fmt.Errorf("unterminated mailbox name")
		}
		mailboxTok = rest[1 : end+1]
		rest = strings.TrimSpace(rest[end+2:])
	} else {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			mailboxTok = rest
			rest = ""
		} else {
			mailboxTok = rest[:sp]
			rest = strings.TrimSpace(rest[sp+1:])
		}
	}
	path = mailboxTok

	if strings.HasPrefix(rest, "(") {
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return "", nil, time.Time{}, "", fmt.Errorf("unterminated flag list")
		}
		flagStr := rest[1:end]
		if flagStr != "" {
			flags = strings.Fields(flagStr)
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	if rest != "" {
		dateStr := strings.Trim(rest, `"`)
		t, perr := time.Parse("02-Jan-2006 15:04:05 -0700", dateStr)
		if perr == nil {
			internalDate = t
		}
	}
	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	return path, flags, internalDate, literalSpec, nil
}

func (s *Session) handleClose(tag string) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.unlinkDeletedAttachments(ctx, mb.ID); err != nil {
		return s.writeResponse(tag, "NO", "failed to unlink attachments")
	}
	if _, _, err := s.server.Gateway.DeleteMessages(ctx, mb.ID, bson.M{"deleted": true}); err != nil && s.server.opts.Logger != nil {
		s.server.opts.Logger.Error("[%s] CLOSE expunge failed: %v", s.ID, err)
	}
	s.unselect()
	return s.writeResponse(tag, "OK", "CLOSE completed")
}

func (s *Session) handleUnselect(tag string) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	s.unselect()
	return s.writeResponse(tag, "OK", "UNSELECT completed")
}

func (s *Session) unlinkDeletedAttachments(ctx context.Context, mailboxID primitive.ObjectID) error {
	deletedTrue := true
	cur, err := s.server.Gateway.FindMessages(ctx, storage.MessageQuery{Mailbox: mailboxID, Deleted: &deletedTrue, SortAscending: true})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			return err
		}
		for _, blobID := range m.AttachmentRefs {
			if err := s.server.Gateway.UnlinkAttachment(ctx, blobID, m.ID); err != nil {
				return err
			}
		}
	}
	return cur.Err()
}

// handleExpunge permanently removes every \Deleted message in the selected
// mailbox, emitting "<msn> EXPUNGE" in strictly descending MSN order (a
// client processing responses in order must never see an MSN increase
// mid-EXPUNGE) and journaling the change (Ignore = this session) so other
// sessions on the mailbox wake up, in MSN form as RFC 3501 §7.4.1 requires
// (not UID).
func (s *Session) handleExpunge(tag string) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deletedTrue := true
	cur, err := s.server.Gateway.FindMessages(ctx, storage.MessageQuery{Mailbox: mb.ID, Deleted: &deletedTrue, SortAscending: true})
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

	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	type resolved struct {
		msg *model.Message
		msn int
	}
	var toExpunge []resolved
	for _, m := range msgs {
		if msn, ok := view.MSN(m.UID); ok {
			toExpunge = append(toExpunge, resolved{m, msn})
		}
	}
	sort.Slice(toExpunge, func(i, j int) bool { return toExpunge[i].msn > toExpunge[j].msn })

	var entries []model.JournalEntry
	var totalFreed int64
	now := time.Now()
	for _, r := range toExpunge {
		for _, blobID := range r.msg.AttachmentRefs {
			if err := s.server.Gateway.UnlinkAttachment(ctx, blobID, r.msg.ID); err != nil {
				return s.writeResponse(tag, "NO", "failed to unlink attachments")
			}
		}
		modseq, err := s.server.Gateway.FindAndIncrementModSeq(ctx, mb.ID, 1)
		if err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
		entries = append(entries, model.JournalEntry{
			ID: uuid.NewString(), Mailbox: mb.ID, Command: model.JournalExpunge,
			UID: r.msg.UID, Ignore: s.ID, Modseq: modseq, CreatedAt: now,
		})
		totalFreed += r.msg.Size
		view.RemoveUID(r.msg.UID)
		if err := s.writeUntagged(fmt.Sprintf("%d EXPUNGE", r.msn)); err != nil {
			return err
		}
	}

	if len(msgs) > 0 {
		if _, _, err := s.server.Gateway.DeleteMessages(ctx, mb.ID, bson.M{"deleted": true}); err != nil {
			return s.writeResponse(tag, "NO", "failed to delete messages")
		}
		if totalFreed > 0 {
			_ = s.server.Gateway.AdjustStorageUsed(ctx, s.currentUser().ID, -totalFreed)
		}
		if err := s.server.Notify.AddEntries(ctx, s.currentUser().ID, mb.Path, entries); err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
	}

	return s.writeResponse(tag, "OK", "EXPUNGE completed")
}

func (s *Session) handleGetQuotaRoot(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	path := parseMailboxPath(args)
	user := s.currentUser()
	if err := s.writeUntagged(fmt.Sprintf(`QUOTAROOT "%s" ""`, path)); err != nil {
		return err
	}
	quota := effectiveQuota(user, s.server.opts.MaxStorage)
	if err := s.writeUntagged(fmt.Sprintf(`QUOTA "" (STORAGE %d %d)`, user.UsedClamped()/1024, quota/1024)); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "GETQUOTAROOT completed")
}

func (s *Session) handleGetQuota(tag, args string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	if root := parseMailboxPath(args); root != "" {
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] quota root does not exist", CodeNonexistent))
	}
	user := s.currentUser()
	quota := effectiveQuota(user, s.server.opts.MaxStorage)
	if err := s.writeUntagged(fmt.Sprintf(`QUOTA "" (STORAGE %d %d)`, user.UsedClamped()/1024, quota/1024)); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "GETQUOTA completed")
}

func effectiveQuota(user *model.User, fallback int64) int64 {
	if user.Quota > 0 {
		return user.Quota
	}
	return fallback
}

func (s *Session) currentUser() *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) selectedMailbox() *model.Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailbox
}
