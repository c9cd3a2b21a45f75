package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the declarative index manifest for every
// collection the Gateway uses. Run once at startup, before any other
// Gateway call.
func (g *mongoGateway) EnsureIndexes(ctx context.Context) error {
	manifest := map[string][]mongo.IndexModel{
		"users": {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"mailboxes": {
			{Keys: bson.D{{Key: "user", Value: 1}, {Key: "path", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user", Value: 1}, {Key: "subscribed", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "uid", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "modseq", Value: 1}}},
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "deleted", Value: 1}}},
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "seen", Value: 1}}},
		},
		"journal": {
			{Keys: bson.D{{Key: "mailbox", Value: 1}, {Key: "modseq", Value: 1}}},
		},
	}

	for collection, indexes := range manifest {
		_, err := g.db.Collection(collection).Indexes().CreateMany(ctx, indexes)
		if err != nil {
			return fmt.Errorf("storage: ensure indexes for %s: %w", collection, err)
		}
	}
	return nil
}
