package imapserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/search"
	"github.com/melvynkim/wildduck/internal/storage"
)

// handleSearch implements SEARCH/UID SEARCH: compile the criteria into a
// Mongo query plus residual client-side filter via internal/search,
// resolve any bare UID criterion against the current MailboxView directly
// (the compiler leaves it as a no-op, per its leafQuery comment), then
// report matches as sequence numbers or UIDs.
func (s *Session) handleSearch(tag, args string, isUID bool) error {
	if !s.isSelected() {
		return s.writeResponse(tag, "BAD", "no mailbox selected")
	}
	toks := tokenizeTopLevel(args)
	if len(toks) == 0 {
		return s.writeResponse(tag, "BAD", "SEARCH expects criteria")
	}
	if strings.EqualFold(toks[0], "CHARSET") && len(toks) >= 2 {
		toks = toks[2:]
	}

	upper := make([]string, len(toks))
	for i, t := range toks {
		upper[i] = strings.ToUpper(strings.Trim(t, `"`))
	}

	var uidConstraint []int64
	hasUIDConstraint := false
	for i := 0; i < len(upper); i++ {
		if upper[i] == "UID" && i+1 < len(upper) {
			uids, err := s.resolveUIDs(toks[i+1], true)
			if err == nil {
				uidConstraint = uids
				hasUIDConstraint = true
			}
		}
	}

	root, err := search.Compile(upper)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}
	compiled, err := search.CompileToQuery(root)
	if err != nil {
		return s.writeResponse(tag, "BAD", err.Error())
	}

	mb := s.selectedMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q := storage.MessageQuery{Mailbox: mb.ID, Extra: compiled.Query, SortAscending: true}
	if hasUIDConstraint {
		q.UIDs = uidConstraint
	}
	cur, err := s.server.Gateway.FindMessages(ctx, q)
	if err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}
	defer cur.Close(ctx)

	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	var nums []string
	for cur.Next(ctx) {
		m := &model.Message{}
		if err := cur.Decode(m); err != nil {
			return s.writeResponse(tag, "NO", "database error")
		}
		if compiled.Residual != nil && !compiled.Residual(m) {
			continue
		}
		if isUID {
			nums = append(nums, strconv.FormatInt(m.UID, 10))
			continue
		}
		if msn, ok := view.MSN(m.UID); ok {
			nums = append(nums, strconv.Itoa(msn))
		}
	}
	if err := cur.Err(); err != nil {
		return s.writeResponse(tag, "NO", "database error")
	}

	if err := s.writeUntagged(fmt.Sprintf("SEARCH %s", strings.Join(nums, " "))); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "SEARCH completed")
}
