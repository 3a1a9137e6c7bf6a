package kvrepo

import (
	"context"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagizoltan/kvrepo/kv"
)

// usersV2 redefines the users collection: the tag and age indexes are
// dropped, a name index is added and old records get a derived name.
func usersV2() (*Schema, *Collection) {
	scm := NewSchema()
	coll := DefineCollection(scm, "users", func(b *CollectionBuilder[User]) {
		b.AddIndex(FieldIndex("email", "email").Unique())
		b.AddIndex(FieldIndex("name", "name"))
		b.SetSchemaVersion(2)
		b.Migrate(func(u *User, oldVer uint64) {
			if u.Name == "" {
				u.Name, _, _ = strings.Cut(u.Email, "@")
			}
		})
	})
	return scm, coll
}

func TestReindex(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env := setup(t, engine, Options{})
			ctx := context.Background()
			store := env.db.Store()
			saveAll(t, env.users, "acme",
				&User{ID: "u1", Email: "ada@example.com", Tags: []string{"a"}},
				&User{ID: "u2", Email: "bob@example.com", Name: "Bob", Tags: []string{"b"}},
			)
			// leftovers of a writer that never finished, and a corrupted record
			_, err := store.Put(ctx, indexEntryKey("acme", "users", "email", "ghost@x", "u9"), []byte("u9"), kv.Cond{})
			require.NoError(t, err)
			_, err = store.Put(ctx, guardKey("acme", "users", "email", "ghost@x"), []byte("u9"), kv.Cond{})
			require.NoError(t, err)
			_, err = store.Put(ctx, primaryKey("acme", "users", "u7"), []byte("garbage!"), kv.Cond{})
			require.NoError(t, err)

			before := env.users.Stats(ctx, "acme").Unwrap()
			assert.Equal(t, 3, before.Records)
			assert.Equal(t, 5, before.IndexEntries)
			assert.Equal(t, 3, before.Guards)

			scm2, coll2 := usersV2()
			db2 := NewDB(store, scm2, Options{Logger: env.db.logger})
			repo2 := NewRepository[User](db2, coll2)

			st := repo2.Reindex(ctx, "acme").Unwrap()
			assert.Equal(t, ReindexStats{Records: 3, Rewritten: 2, Orphans: 2, Failed: 1}, st)

			after := repo2.Stats(ctx, "acme").Unwrap()
			assert.Equal(t, 4, after.IndexEntries) // email x2, name x2
			assert.Equal(t, 2, after.Guards)

			byName := repo2.QueryByIndex(ctx, "acme", "name", "ada", Page{}).Unwrap()
			assert.Equal(t, []string{"u1"}, ids(byName.Items))
			assert.Equal(t, "ada", repo2.FindByID(ctx, "acme", "u1").Unwrap().Name)

			again := repo2.Reindex(ctx, "acme").Unwrap()
			assert.Equal(t, ReindexStats{Records: 3, Failed: 1}, again)

			// guards claimed by the old definition still hold
			dup := repo2.Save(ctx, "acme", &User{ID: "u3", Email: "bob@example.com"})
			assert.ErrorIs(t, dup.Err(), ErrConflict)
		})
	}
}

func TestReindex_OtherTenantUntouched(t *testing.T) {
	env := setup(t, "memory", Options{})
	ctx := context.Background()
	saveAll(t, env.users, "acme", &User{ID: "u1", Email: "a@x", Tags: []string{"t"}})
	saveAll(t, env.users, "globex", &User{ID: "u1", Email: "a@x", Tags: []string{"t"}})

	scm2, coll2 := usersV2()
	repo2 := NewRepository[User](NewDB(env.db.Store(), scm2, Options{Logger: env.db.logger}), coll2)
	require.NoError(t, repo2.Reindex(ctx, "acme").Err())

	globex := env.users.Stats(ctx, "globex").Unwrap()
	assert.Equal(t, 2, globex.IndexEntries)
	assert.Equal(t, 1, globex.Guards)
	assert.Equal(t, []string{"u1"}, ids(env.users.QueryByIndex(ctx, "globex", "tag", "t", Page{}).Unwrap().Items))
}

func TestCollectionStats(t *testing.T) {
	env := setup(t, "memory", Options{})
	ctx := context.Background()
	saveAll(t, env.users, "acme", &User{ID: "u1", Email: "a@x", Tags: []string{"p", "q"}})

	st := env.users.Stats(ctx, "acme").Unwrap()
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, 3, st.IndexEntries)
	assert.Equal(t, 1, st.Guards)
	assert.Positive(t, st.DataSize)
	assert.Positive(t, st.IndexSize)
	assert.Equal(t, st.DataSize+st.IndexSize, st.TotalSize())

	assert.Equal(t, CollectionStats{}, env.users.Stats(ctx, "globex").Unwrap())
	assert.ErrorIs(t, env.users.Stats(ctx, "").Err(), ErrValidation)
}

func TestDump(t *testing.T) {
	env := setup(t, "memory", Options{})
	ctx := context.Background()
	saveAll(t, env.users, "acme", &User{ID: "u1", Email: "ada@example.com", Name: "Ada", Tags: []string{"math", "poetry"}})
	saveAll(t, env.orders, "acme", &Order{ID: "o1", CustomerID: "u1", Status: "open", Total: 100})
	saveAll(t, env.notes, "acme", &Document{"id": "n1", "author": "u1", "text": "secret"})

	dump, err := env.db.Dump(ctx, "acme", DumpCollectionHeaders|DumpRecords|DumpIndexes|DumpIndexEntries)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dump", []byte(dump))

	single := env.orders.Dump(ctx, "acme", DumpAll).Unwrap()
	assert.Contains(t, single, "orders (1 records)")
	assert.Contains(t, single, "orders.stats: index_entries = 2, guards = 0")
	assert.NotContains(t, single, "users")
}

func TestMigratePanicIsPersistenceError(t *testing.T) {
	env := setup(t, "memory", Options{})
	ctx := context.Background()
	saveAll(t, env.users, "acme", &User{ID: "u1", Email: "ada@example.com"})

	scm := NewSchema()
	coll := DefineCollection(scm, "users", func(b *CollectionBuilder[User]) {
		b.SetSchemaVersion(2)
		b.Migrate(func(u *User, oldVer uint64) {
			panic("bad migration")
		})
	})
	repo := NewRepository[User](NewDB(env.db.Store(), scm, Options{Logger: env.db.logger}), coll)

	var res Result[*User]
	require.NotPanics(t, func() { res = repo.FindByID(ctx, "acme", "u1") })
	require.True(t, res.IsFailure())
	assert.Equal(t, KindPersistence, res.Failure().Kind)
	assert.Contains(t, res.Failure().Error(), "bad migration")

	assert.ErrorIs(t, repo.List(ctx, "acme", Page{}).Err(), ErrPersistence)
}
