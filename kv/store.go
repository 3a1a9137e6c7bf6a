package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Store is the KV engine adapter handed to repositories. It is opened once
// by the process bootstrap and closed once.
type Store struct {
	b       Backend
	logger  *slog.Logger
	verbose bool

	closeOnce sync.Once
	closeErr  error
}

type StoreOptions struct {
	Logger  *slog.Logger
	Verbose bool
}

func NewStore(b Backend, opt StoreOptions) *Store {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Store{b: b, logger: opt.Logger, verbose: opt.Verbose}
}

func (s *Store) Backend() Backend {
	return s.b
}

func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	return s.b.Get(ctx, key)
}

// Put writes a single key and returns its new version.
func (s *Store) Put(ctx context.Context, key string, value []byte, c Cond) (Version, error) {
	commit, err := s.Atomic(ctx, []Op{Put(key, value, c)})
	if err != nil {
		return NoVersion, err
	}
	return commit.Seq, nil
}

// Delete removes a single key. Deleting an absent key without a condition
// is a no-op.
func (s *Store) Delete(ctx context.Context, key string, c Cond) error {
	_, err := s.Atomic(ctx, []Op{Delete(key, c)})
	return err
}

func (s *Store) List(ctx context.Context, prefix string, opt ListOptions) ([]Entry, error) {
	if opt.Limit < 0 {
		return nil, fmt.Errorf("kv: negative limit %d", opt.Limit)
	}
	return s.b.List(ctx, prefix, opt)
}

func (s *Store) Atomic(ctx context.Context, ops []Op) (Commit, error) {
	commit, err := s.b.Atomic(ctx, ops)
	if s.verbose {
		switch {
		case errors.Is(err, ErrConflict):
			s.logger.LogAttrs(ctx, slog.LevelDebug, "kv: ATOMIC.CONFLICT", slog.Int("ops", len(ops)), slog.Any("err", err))
		case err != nil:
			s.logger.LogAttrs(ctx, slog.LevelDebug, "kv: ATOMIC.FAILED", slog.Int("ops", len(ops)), slog.Any("err", err))
		default:
			s.logger.LogAttrs(ctx, slog.LevelDebug, "kv: ATOMIC", slog.Int("ops", len(ops)), slog.Uint64("seq", uint64(commit.Seq)))
		}
	}
	return commit, err
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.b.Close()
	})
	return s.closeErr
}
