package store

import (
	"fmt"

	"github.com/lflish/claude-agent-http/internal/config"
)

// New builds the backend selected by the configuration.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	case "postgresql":
		return NewPostgres(cfg.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
