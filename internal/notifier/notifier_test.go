package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/storage/storagetest"
)

func TestFireWakesAllSubscribers(t *testing.T) {
	gw := storagetest.New()
	n := New(gw)
	userID := primitive.NewObjectID()

	chA, cancelA := n.Subscribe(userID, "INBOX", "sessionA")
	defer cancelA()
	chB, cancelB := n.Subscribe(userID, "INBOX", "sessionB")
	defer cancelB()

	n.Fire(userID, "INBOX")

	select {
	case <-chA:
	default:
		t.Fatal("sessionA did not receive wake")
	}
	select {
	case <-chB:
	default:
		t.Fatal("sessionB did not receive wake")
	}
}

func TestFireCoalescesPendingWake(t *testing.T) {
	gw := storagetest.New()
	n := New(gw)
	userID := primitive.NewObjectID()

	ch, cancel := n.Subscribe(userID, "INBOX", "sessionA")
	defer cancel()

	n.Fire(userID, "INBOX")
	n.Fire(userID, "INBOX") // must not block even though ch has cap 1 and is unread

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending wake")
	}
	select {
	case <-ch:
		t.Fatal("expected only one coalesced wake")
	default:
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	gw := storagetest.New()
	n := New(gw)
	userID := primitive.NewObjectID()

	_, cancel := n.Subscribe(userID, "INBOX", "sessionA")
	cancel()

	n.Fire(userID, "INBOX") // no subscribers left; must not panic
}

func TestAddEntriesPersistsAndFires(t *testing.T) {
	gw := storagetest.New()
	n := New(gw)
	userID := primitive.NewObjectID()
	mailboxID := primitive.NewObjectID()

	ch, cancel := n.Subscribe(userID, "INBOX", "sessionA")
	defer cancel()

	entries := []model.JournalEntry{
		{ID: "e1", Mailbox: mailboxID, Command: model.JournalExists, UID: 1, Modseq: 1, CreatedAt: time.Now()},
	}
	require.NoError(t, n.AddEntries(context.Background(), userID, "INBOX", entries))

	select {
	case <-ch:
	default:
		t.Fatal("expected wake after AddEntries")
	}

	got, err := gw.JournalSince(context.Background(), mailboxID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].ID)
}

func TestAddEntriesEmptyIsNoop(t *testing.T) {
	gw := storagetest.New()
	n := New(gw)
	userID := primitive.NewObjectID()
	require.NoError(t, n.AddEntries(context.Background(), userID, "INBOX", nil))
}
