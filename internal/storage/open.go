package storage

import (
	"context"
	"errors"
	"strings"

	logx "tokfresh/pkg/logx"
)

// History is the deployment log.
type History interface {
	AppendDeployment(ctx context.Context, d Deployment) error
	// ListDeployments returns the newest records first. limit <= 0 means all.
	ListDeployments(ctx context.Context, limit int) ([]Deployment, error)
}

// KV is a string key/value store. The local keep-alive keeps the refresh
// token here, mirroring the Worker's KV namespace.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
}

// Store is the persistence API used by the app.
type Store interface {
	History
	KV
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
