package kvrepo

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dagizoltan/kvrepo/kv"
)

// DB binds a schema to a store. Repositories are opened on a DB and share
// its retry policy, logging, metrics and change listeners.
type DB struct {
	store   *kv.Store
	schema  *Schema
	logger  *slog.Logger
	verbose bool
	retry   RetryPolicy
	metrics *Metrics
	tracer  trace.Tracer

	listenersLock sync.RWMutex
	listeners     []func(*Change)

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool
	Retry   RetryPolicy
	Metrics *Metrics
	Tracer  trace.Tracer
}

func NewDB(store *kv.Store, schema *Schema, opt Options) *DB {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Tracer == nil {
		opt.Tracer = noop.NewTracerProvider().Tracer("kvrepo")
	}
	return &DB{
		store:   store,
		schema:  schema,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		retry:   opt.Retry.withDefaults(),
		metrics: opt.Metrics,
		tracer:  opt.Tracer,
	}
}

func (db *DB) Store() *kv.Store {
	return db.store
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Close() error {
	return db.store.Close()
}

// OnChange registers f to be called after every committed write. Listeners
// run synchronously on the writing goroutine and must not block.
func (db *DB) OnChange(f func(*Change)) {
	db.listenersLock.Lock()
	defer db.listenersLock.Unlock()
	db.listeners = append(db.listeners, f)
}

func (db *DB) notify(ch *Change) {
	db.listenersLock.RLock()
	listeners := db.listeners
	db.listenersLock.RUnlock()
	for _, f := range listeners {
		if _, err := safelyCall(func() struct{} { f(ch); return struct{}{} }); err != nil {
			db.logger.Error("kvrepo: change listener failed", "change", ch.String(), "err", err)
		}
	}
}

func (db *DB) logRecord(coll *Collection, rec any) slog.Attr {
	if coll.suppressContent {
		return slog.String("record", "<suppressed>")
	}
	raw, err := MarshalJSON(rec)
	if err != nil {
		return slog.String("record", "<unencodable>")
	}
	return slog.String("record", string(raw))
}

func since(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
