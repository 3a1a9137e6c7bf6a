package kvrepo

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagizoltan/kvrepo/kv"
)

type (
	User struct {
		ID    string   `json:"id"`
		Email string   `json:"email"`
		Name  string   `json:"name,omitempty"`
		Tags  []string `json:"tags,omitempty"`
		Age   int      `json:"age,omitempty"`
	}

	Order struct {
		ID         string   `json:"id"`
		CustomerID string   `json:"customerId"`
		Status     string   `json:"status"`
		Total      int      `json:"total"`
		Watchers   []string `json:"watchers,omitempty"`

		Customer      *User   `json:"-"`
		WatchingUsers []*User `json:"-"`
	}
)

var (
	testSchema = NewSchema()

	usersByEmail = FieldIndex("email", "email").Unique()
	usersByTag   = FieldIndex("tag", "tags")
	usersByAge   = IndexOn("age", func(u *User) any {
		if u.Age == 0 {
			return nil
		}
		return u.Age
	})
	usersColl = DefineCollection(testSchema, "users", func(b *CollectionBuilder[User]) {
		b.AddIndex(usersByEmail)
		b.AddIndex(usersByTag)
		b.AddIndex(usersByAge)
		b.Validate(func(u *User) []Issue {
			if !strings.Contains(u.Email, "@") {
				return []Issue{{Path: "email", Message: "must contain @", Code: "format"}}
			}
			return nil
		})
	})

	ordersByStatus = AddIndex("status")
	ordersColl     = DefineCollection(testSchema, "orders", func(b *CollectionBuilder[Order]) {
		b.AddIndex(ordersByStatus)
		b.AddIndex(FieldIndex("total", "total"))
		b.Indexer(func(o *Order, ib *IndexBuilder) {
			ib.Add(ordersByStatus, o.Status)
		})
		b.AddRelation(RelationOne("customer", func(o *Order) string {
			return o.CustomerID
		}, func(o *Order, u *User) {
			o.Customer = u
		}))
		b.AddRelation(RelationMany("watchers", func(o *Order) []string {
			return o.Watchers
		}, func(o *Order, us []*User) {
			o.WatchingUsers = us
		}))
	})

	notesColl = DefineCollection(testSchema, "notes", func(b *CollectionBuilder[Document]) {
		b.AddIndex(FieldIndex("author", "author"))
		b.AddIndex(FieldIndex("city", "place.city"))
		b.AddRelation(FieldRelation("authorUser", "author"))
		b.SuppressContentWhenLogging()
	})
)

type testEnv struct {
	db     *DB
	users  *Repository[User]
	orders *Repository[Order]
	notes  *Repository[Document]
}

var testEngines = []string{kv.EngineMemory, kv.EngineBolt}

func openTestStore(t testing.TB, engine string) *kv.Store {
	t.Helper()
	var path string
	if engine == kv.EngineBolt {
		path = filepath.Join(t.TempDir(), "test.db")
	}
	store, err := kv.Open(context.Background(), kv.Config{Engine: engine, Path: path})
	require.NoError(t, err)
	return store
}

func setup(t testing.TB, engine string, opt Options) *testEnv {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
		opt.Verbose = true
	}
	db := NewDB(openTestStore(t, engine), testSchema, opt)
	t.Cleanup(func() { db.Close() })
	return &testEnv{
		db:     db,
		users:  NewRepository[User](db, usersColl),
		orders: NewRepository[Order](db, ordersColl),
		notes:  RepositoryFor[Document](db, "notes"),
	}
}

// forEachEngine runs f against a fresh DB on every engine that needs no
// server.
func forEachEngine(t *testing.T, f func(t *testing.T, env *testEnv)) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			f(t, setup(t, engine, Options{}))
		})
	}
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func ids[T any](items []*T) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, recordIDOf(item))
	}
	return out
}

func saveAll[T any](t testing.TB, repo *Repository[T], tenant string, recs ...*T) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range recs {
		res := repo.Save(ctx, tenant, rec)
		require.NoError(t, res.Err(), "saving %s", recordIDOf(rec))
	}
}
