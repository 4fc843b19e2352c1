package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"omniusage/internal/storage"
)

// NewRepository builds the ledger repository matching the configured storage
// backend. A nil storage falls back to the in-memory repository.
func NewRepository(ctx context.Context, store storage.Storage) (Repository, error) {
	if store == nil {
		return NewMemoryRepository(), nil
	}

	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteRepository(store.SQLiteDB())
	case storage.TypePostgreSQL:
		pool, ok := store.PostgreSQLPool().(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("storage did not provide a PostgreSQL pool")
		}
		return NewPostgreSQLRepository(ctx, pool)
	case storage.TypeMongoDB:
		db, ok := store.MongoDatabase().(*mongo.Database)
		if !ok {
			return nil, fmt.Errorf("storage did not provide a MongoDB database")
		}
		return NewMongoRepository(ctx, db)
	case storage.TypeMemory:
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", store.Type())
	}
}
