package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	config "github.com/avvvet/buyin-services/configs"
)

// NewStoreFromConfig picks the store named by cfg.SessionMode and reports the mode used.
func NewStoreFromConfig(ctx context.Context, cfg config.Config) (Store, string, error) {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	switch mode := strings.ToLower(strings.TrimSpace(cfg.SessionMode)); mode {
	case "memory":
		return NewMemoryStore(), "memory", nil
	case "sqlite", "local":
		s, err := NewSQLiteStore(cfg.SQLitePath, ttl)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case "", "mongo":
		if cfg.MongoURI == "" {
			return nil, "", fmt.Errorf("MONGODB_URI is required for mongo session mode")
		}
		s, err := NewMongoStore(ctx, cfg.MongoURI, ttl)
		if err != nil {
			return nil, "", err
		}
		return s, "mongo", nil
	default:
		return nil, "", fmt.Errorf("unknown session mode %q", mode)
	}
}
