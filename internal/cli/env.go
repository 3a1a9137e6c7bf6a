package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dagizoltan/kvrepo"
	"github.com/dagizoltan/kvrepo/config"
	"github.com/dagizoltan/kvrepo/cueschema"
	"github.com/dagizoltan/kvrepo/journal"
	"github.com/dagizoltan/kvrepo/kv"
)

// env is an opened store with every configured collection.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *kvrepo.DB
	journal  *journal.Journal
	registry *prometheus.Registry
	repos    map[string]*kvrepo.Repository[kvrepo.Document]
	// resolvers holds a FindByIds resolver per collection name.
	resolvers map[string]kvrepo.Resolver
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, _, err := config.LoadFromPath(opts.ConfigPath)
		return cfg, err
	}
	cfg, _, err := config.Load()
	return cfg, err
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// buildSchema defines a Document collection per configured collection with
// field indexes, field relations and an optional CUE validator. Relative
// schema paths are resolved against baseDir.
func buildSchema(cfg *config.Config, baseDir string) (*kvrepo.Schema, error) {
	scm := kvrepo.NewSchema()
	for _, cc := range cfg.Collections {
		var validator kvrepo.Validator
		if cc.Schema != nil {
			path := cc.Schema.Path
			if !filepath.IsAbs(path) && baseDir != "" {
				path = filepath.Join(baseDir, path)
			}
			cs, err := cueschema.Load(path, cc.Schema.Definition)
			if err != nil {
				return nil, fmt.Errorf("collection %s: %w", cc.Name, err)
			}
			validator = cs
		}
		err := defineCollection(scm, cc, validator)
		if err != nil {
			return nil, err
		}
	}
	return scm, nil
}

// defineCollection converts the panics of invalid names into errors.
func defineCollection(scm *kvrepo.Schema, cc config.CollectionConfig, validator kvrepo.Validator) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("collection %s: %v", cc.Name, e)
		}
	}()
	kvrepo.DefineCollection(scm, cc.Name, func(b *kvrepo.CollectionBuilder[kvrepo.Document]) {
		for _, ic := range cc.Indexes {
			idx := kvrepo.FieldIndex(ic.Name, ic.FieldPath())
			if ic.Unique {
				idx = idx.Unique()
			}
			b.AddIndex(idx)
		}
		for _, rc := range cc.Relations {
			b.AddRelation(kvrepo.FieldRelation(rc.Name, rc.FieldPath()))
		}
		if validator != nil {
			b.Validator(validator)
		}
		if cc.SchemaVersion > 0 {
			b.SetSchemaVersion(cc.SchemaVersion)
		}
		if cc.SuppressValues {
			b.SuppressContentWhenLogging()
		}
	})
	return nil
}

func openEnv(ctx context.Context, opts *RootOptions, stderr io.Writer) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Verbose = true
	}
	baseDir := ""
	if opts.ConfigPath != "" {
		baseDir = filepath.Dir(opts.ConfigPath)
	} else if p := config.FindConfigPath(); p != "" {
		baseDir = filepath.Dir(p)
	}

	scm, err := buildSchema(cfg, baseDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid collections", err)
	}

	logger := newLogger(cfg.Log, stderr)
	store, err := kv.Open(ctx, kv.Config{
		Engine:  cfg.Engine.Kind,
		Path:    cfg.EnginePath(),
		Sync:    cfg.Engine.Sync,
		Logger:  logger,
		Verbose: cfg.Log.Verbose,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	e := &env{
		cfg:       cfg,
		logger:    logger,
		registry:  prometheus.NewRegistry(),
		repos:     make(map[string]*kvrepo.Repository[kvrepo.Document]),
		resolvers: make(map[string]kvrepo.Resolver),
	}
	e.db = kvrepo.NewDB(store, scm, kvrepo.Options{
		Logger:  logger,
		Verbose: cfg.Log.Verbose,
		Retry: kvrepo.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration(),
			MaxDelay:    cfg.Retry.MaxDelay.Duration(),
		},
		Metrics: kvrepo.NewMetrics(e.registry),
	})

	if cfg.Journal.Dir != "" {
		j, err := journal.Open(cfg.Journal.Dir, journal.Options{
			Context:     ctx,
			FileName:    "changes-*.wal",
			MaxFileSize: cfg.Journal.MaxFileSize,
			Fsync:       cfg.Journal.Fsync,
			Logger:      logger,
			Verbose:     cfg.Log.Verbose,
		})
		if err != nil {
			e.db.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		e.journal = j
		e.db.OnChange(kvrepo.JournalChanges(j, logger))
	}

	for _, coll := range scm.Collections() {
		repo := kvrepo.NewRepository[kvrepo.Document](e.db, coll)
		e.repos[coll.Name()] = repo
		e.resolvers[coll.Name()] = kvrepo.ResolveFrom(repo)
	}
	return e, nil
}

func (e *env) Close() error {
	var jerr error
	if e.journal != nil {
		jerr = e.journal.FinishWriting()
	}
	if err := e.db.Close(); err != nil {
		return err
	}
	return jerr
}

func (e *env) repo(name string) (*kvrepo.Repository[kvrepo.Document], error) {
	repo := e.repos[name]
	if repo == nil {
		names := slices.Sorted(maps.Keys(e.repos))
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown collection %q (configured: %s)", name, strings.Join(names, ", ")))
	}
	return repo, nil
}

// resolversFor maps each relation of the collection to its target's resolver.
func (e *env) resolversFor(collection string) kvrepo.Resolvers {
	cc := e.cfg.Collection(collection)
	if cc == nil {
		return nil
	}
	out := make(kvrepo.Resolvers, len(cc.Relations))
	for _, rc := range cc.Relations {
		out[rc.Name] = e.resolvers[rc.Target]
	}
	return out
}

// withEnv opens the environment, runs f and closes it.
func withEnv(opts *RootOptions, stderr io.Writer, f func(ctx context.Context, e *env) error) error {
	ctx := context.Background()
	e, err := openEnv(ctx, opts, stderr)
	if err != nil {
		return err
	}
	ferr := f(ctx, e)
	if err := e.Close(); err != nil && ferr == nil {
		return WrapExitError(ExitCommandError, "failed to close store", err)
	}
	return ferr
}
