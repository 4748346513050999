package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sage-x-project/sage-paywall/logger"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config selects and locates the invoice store.
type Config struct {
	Backend     string
	Path        string
	MongoURI    string
	MongoDB     string
	DatabaseURL string
}

// Open builds the store named by cfg.Backend (memory when empty).
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	log = logger.Or(log)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		log.Info("using in-memory invoice store")
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFileStore(cfg.Path, log)
	case BackendMongo:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("MONGO_URI is required for the mongo invoice store")
		}
		db := cfg.MongoDB
		if db == "" {
			db = "paywall"
		}
		s, err := ConnectMongo(ctx, cfg.MongoURI, db)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("ensure invoice indexes: %w", err)
		}
		log.Infof("using mongo invoice store (db=%s)", db)
		return s, nil
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres invoice store")
		}
		s, err := ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres invoice store")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown invoice store %q", cfg.Backend)
	}
}
