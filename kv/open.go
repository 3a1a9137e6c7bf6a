package kv

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	EngineBolt     = "bolt"
	EnginePebble   = "pebble"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMemory   = "memory"
)

type Config struct {
	Engine string
	// Path is a file path (bolt, sqlite), a directory (pebble) or a DSN (postgres).
	Path    string
	Sync    bool
	Logger  *slog.Logger
	Verbose bool
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	var b Backend
	var err error
	switch cfg.Engine {
	case EngineBolt, "":
		b, err = OpenBolt(cfg.Path, BoltOptions{})
	case EnginePebble:
		b, err = OpenPebble(cfg.Path, PebbleOptions{Sync: cfg.Sync})
	case EngineSQLite:
		b, err = OpenSQL(ctx, DialectSQLite, cfg.Path)
	case EnginePostgres:
		b, err = OpenSQL(ctx, DialectPostgres, cfg.Path)
	case EngineMemory:
		b = NewMemory()
	default:
		return nil, fmt.Errorf("kv: unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(b, StoreOptions{Logger: cfg.Logger, Verbose: cfg.Verbose}), nil
}
