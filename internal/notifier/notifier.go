// Package notifier implements the cross-session change-notification
// engine: a durable per-mailbox journal plus an in-process pub/sub that
// wakes every selected session on the same mailbox, keyed by (user,
// mailbox) subscriber set; each session skips its own changes when it
// drains.
package notifier

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/storage"
)

type subKey struct {
	user primitive.ObjectID
	path string
}

// Notifier owns the subscriber registry and journal writes. Zero value is
// not usable; construct with New.
type Notifier struct {
	mu   sync.Mutex
	subs map[subKey]map[string]chan struct{}
	gw   storage.Gateway
}

// New returns a Notifier backed by gw for journal persistence.
func New(gw storage.Gateway) *Notifier {
	return &Notifier{
		subs: make(map[subKey]map[string]chan struct{}),
		gw:   gw,
	}
}

// Subscribe registers sessionID for wake-ups on (userID, path). The returned
// channel is coalescing (cap 1): a Fire that arrives while a wake is already
// pending is dropped, since the subscriber only needs to know "something
// changed", not how many times. cancel must be called when the session
// unselects the mailbox or disconnects.
func (n *Notifier) Subscribe(userID primitive.ObjectID, path, sessionID string) (<-chan struct{}, func()) {
	key := subKey{userID, path}
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[key] == nil {
		n.subs[key] = make(map[string]chan struct{})
	}
	n.subs[key][sessionID] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.subs[key]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(n.subs, key)
			}
		}
	}
	return ch, cancel
}

// AddEntries persists entries to the durable journal in one batched write,
// then wakes every subscriber of (userID, path). It does not filter entries
// by Ignore — that is the subscribing Session's job at Drain time, since the
// entry must still be durable for sessions that reconnect mid-flight.
func (n *Notifier) AddEntries(ctx context.Context, userID primitive.ObjectID, path string, entries []model.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := n.gw.AppendJournal(ctx, entries); err != nil {
		return err
	}
	n.Fire(userID, path)
	return nil
}

// Fire wakes every current subscriber of (userID, path). It holds the
// registry lock only long enough to copy the channel list — no callback
// runs while the lock is held, and a full subscriber channel is skipped
// rather than blocked on.
func (n *Notifier) Fire(userID primitive.ObjectID, path string) {
	key := subKey{userID, path}

	n.mu.Lock()
	set := n.subs[key]
	chans := make([]chan struct{}, 0, len(set))
	for _, ch := range set {
		chans = append(chans, ch)
	}
	n.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
