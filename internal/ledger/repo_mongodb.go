package ledger

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"omniusage/internal/pricing"
)

// MongoRepository implements Repository over a MongoDB collection.
type MongoRepository struct {
	collection *mongo.Collection
}

type mongoUsageLog struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	ModelID      string    `bson:"model_id"`
	Provider     string    `bson:"provider"`
	Type         string    `bson:"type"`
	TokensInput  int       `bson:"tokens_input"`
	TokensOutput int       `bson:"tokens_output"`
	Cost         float64   `bson:"cost"`
	LatencyMs    int       `bson:"latency_ms"`
	ContextMode  string    `bson:"context_mode,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

// NewMongoRepository ensures the indexes on the usage_logs collection.
// The database handle is owned by the storage layer.
func NewMongoRepository(ctx context.Context, db *mongo.Database) (*MongoRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}

	collection := db.Collection("usage_logs")
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_logs index: %w", err)
	}

	return &MongoRepository{collection: collection}, nil
}

// Append inserts the log, then deletes any documents beyond RetentionCap for
// the user. The two steps are not transactional; a crash in between leaves at
// most one extra document, removed by the next append.
func (r *MongoRepository) Append(ctx context.Context, log *UsageLog) error {
	doc := mongoUsageLog{
		ID:           log.ID,
		UserID:       log.UserID,
		ModelID:      log.ModelID,
		Provider:     log.Provider,
		Type:         string(log.Type),
		TokensInput:  log.TokensInput,
		TokensOutput: log.TokensOutput,
		Cost:         log.Cost,
		LatencyMs:    log.LatencyMs,
		ContextMode:  log.ContextMode,
		CreatedAt:    log.CreatedAt.UTC(),
	}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	return r.trim(ctx, log.UserID)
}

// trim removes the oldest documents past the retention cap.
func (r *MongoRepository) trim(ctx context.Context, userID string) error {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(RetentionCap)).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return fmt.Errorf("failed to find evictable usage logs: %w", err)
	}

	var stale []mongoUsageLog
	if err := cursor.All(ctx, &stale); err != nil {
		return fmt.Errorf("failed to decode evictable usage logs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	ids := make([]string, 0, len(stale))
	for _, doc := range stale {
		ids = append(ids, doc.ID)
	}
	if _, err := r.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("failed to trim ledger: %w", err)
	}
	return nil
}

func (r *MongoRepository) List(ctx context.Context, userID string) ([]*UsageLog, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(RetentionCap))

	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}

	var docs []mongoUsageLog
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode usage logs: %w", err)
	}

	logs := make([]*UsageLog, 0, len(docs))
	for _, doc := range docs {
		logs = append(logs, &UsageLog{
			ID:           doc.ID,
			UserID:       doc.UserID,
			ModelID:      doc.ModelID,
			Provider:     doc.Provider,
			Type:         pricing.CallType(doc.Type),
			TokensInput:  doc.TokensInput,
			TokensOutput: doc.TokensOutput,
			Cost:         doc.Cost,
			LatencyMs:    doc.LatencyMs,
			ContextMode:  doc.ContextMode,
			CreatedAt:    doc.CreatedAt.UTC(),
		})
	}
	return logs, nil
}

func (r *MongoRepository) Clear(ctx context.Context, userID string) error {
	if _, err := r.collection.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("failed to clear usage logs: %w", err)
	}
	return nil
}

func (r *MongoRepository) ClearAll(ctx context.Context) error {
	if _, err := r.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("failed to clear usage logs: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the storage layer.
func (r *MongoRepository) Close() error { return nil }
