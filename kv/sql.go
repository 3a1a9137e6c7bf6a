package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	sqlTable     = "kv"
	sqlMetaTable = "kv_meta"
	sqlPageSize  = 256
)

var sqlSchemas = map[string][]string{
	DialectSQLite: {
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, ver INTEGER NOT NULL, v BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS kv_meta (id INTEGER PRIMARY KEY, seq INTEGER NOT NULL)`,
		`INSERT OR IGNORE INTO kv_meta (id, seq) VALUES (1, 0)`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS kv (k TEXT COLLATE "C" PRIMARY KEY, ver BIGINT NOT NULL, v BYTEA NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS kv_meta (id INTEGER PRIMARY KEY, seq BIGINT NOT NULL)`,
		`INSERT INTO kv_meta (id, seq) VALUES (1, 0) ON CONFLICT DO NOTHING`,
	},
}

type sqlRow struct {
	K   string `db:"k"`
	Ver int64  `db:"ver"`
	V   []byte `db:"v"`
}

// SQL is a Backend over a two-column table in SQLite (modernc.org/sqlite) or
// PostgreSQL (pgx). Writers serialize on the kv_meta row, which also holds
// the commit sequence.
type SQL struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

func OpenSQL(ctx context.Context, dialect, dsn string) (*SQL, error) {
	var driver, goquDialect string
	switch dialect {
	case DialectSQLite:
		driver, goquDialect = "sqlite", "sqlite3"
	case DialectPostgres:
		driver, goquDialect = "pgx", "postgres"
	default:
		return nil, fmt.Errorf("kv: unsupported SQL dialect %q", dialect)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite only supports one writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	for _, stmt := range sqlSchemas[dialect] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("kv: %s: applying schema: %w", dialect, err)
		}
	}
	return &SQL{db: db, dialect: goqu.Dialect(goquDialect)}, nil
}

func (s *SQL) DB() *sqlx.DB {
	return s.db
}

func (s *SQL) Get(ctx context.Context, key string) (Entry, error) {
	query, args, err := s.dialect.From(sqlTable).Select("k", "ver", "v").
		Where(goqu.C("k").Eq(key)).Prepared(true).ToSQL()
	if err != nil {
		return Entry{}, err
	}
	var row sqlRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{Key: key}, nil
	} else if err != nil {
		return Entry{}, fmt.Errorf("kv: sql get %s: %w", key, err)
	}
	return Entry{Key: row.K, Value: row.V, Version: Version(row.Ver), Found: true}, nil
}

func (s *SQL) List(ctx context.Context, prefix string, opt ListOptions) ([]Entry, error) {
	it := &sqlIter{s: s, ctx: ctx, upper: prefixEnd([]byte(prefix))}
	return collect(ctx, it, prefix, opt, func(k, _ []byte) (Entry, error) {
		row := it.rows[it.pos]
		return Entry{Key: row.K, Value: row.V, Version: Version(row.Ver), Found: true}, nil
	})
}

func (s *SQL) Atomic(ctx context.Context, ops []Op) (Commit, error) {
	if len(ops) == 0 {
		return Commit{}, nil
	}
	if err := validateOps(ops); err != nil {
		return Commit{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Commit{}, fmt.Errorf("kv: sql begin: %w", err)
	}
	defer tx.Rollback()

	// Bumping the sequence first takes the row lock that serializes writers.
	if err := s.exec(ctx, tx, s.dialect.Update(sqlMetaTable).
		Set(goqu.Record{"seq": goqu.L("seq + 1")}).
		Where(goqu.C("id").Eq(1)).Prepared(true)); err != nil {
		return Commit{}, err
	}
	query, args, err := s.dialect.From(sqlMetaTable).Select("seq").
		Where(goqu.C("id").Eq(1)).Prepared(true).ToSQL()
	if err != nil {
		return Commit{}, err
	}
	var seq int64
	if err := tx.GetContext(ctx, &seq, query, args...); err != nil {
		return Commit{}, fmt.Errorf("kv: sql sequence: %w", err)
	}
	ver := Version(seq)

	exists := make(map[string]bool)
	err = checkConds(ops, func(key string) (Version, error) {
		cur, err := s.currentVersion(ctx, tx, key)
		exists[key] = cur != NoVersion
		return cur, err
	})
	if err != nil {
		return Commit{}, err
	}

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			known, ok := exists[op.Key]
			if !ok {
				cur, err := s.currentVersion(ctx, tx, op.Key)
				if err != nil {
					return Commit{}, err
				}
				known = cur != NoVersion
			}
			if known {
				err = s.exec(ctx, tx, s.dialect.Update(sqlTable).
					Set(goqu.Record{"ver": seq, "v": op.Value}).
					Where(goqu.C("k").Eq(op.Key)).Prepared(true))
			} else {
				err = s.exec(ctx, tx, s.dialect.Insert(sqlTable).
					Rows(goqu.Record{"k": op.Key, "ver": seq, "v": op.Value}).Prepared(true))
			}
			exists[op.Key] = true
		case OpDelete:
			err = s.exec(ctx, tx, s.dialect.Delete(sqlTable).Where(goqu.C("k").Eq(op.Key)).Prepared(true))
			exists[op.Key] = false
		}
		if err != nil {
			return Commit{}, fmt.Errorf("kv: sql %v: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Commit{}, fmt.Errorf("kv: sql commit: %w", err)
	}
	return Commit{Seq: ver}, nil
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (s *SQL) exec(ctx context.Context, tx *sqlx.Tx, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *SQL) currentVersion(ctx context.Context, tx *sqlx.Tx, key string) (Version, error) {
	query, args, err := s.dialect.From(sqlTable).Select("ver").
		Where(goqu.C("k").Eq(key)).Prepared(true).ToSQL()
	if err != nil {
		return NoVersion, err
	}
	var ver int64
	err = tx.GetContext(ctx, &ver, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return NoVersion, nil
	} else if err != nil {
		return NoVersion, fmt.Errorf("kv: sql version of %s: %w", key, err)
	}
	return Version(ver), nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// sqlIter pages through the table sqlPageSize rows at a time.
type sqlIter struct {
	s     *SQL
	ctx   context.Context
	upper []byte
	rows  []sqlRow
	pos   int
	full  bool
	fail  error
}

func (it *sqlIter) load(from string, inclusive bool) ([]byte, []byte) {
	cond := goqu.C("k").Gt(from)
	if inclusive {
		cond = goqu.C("k").Gte(from)
	}
	ds := it.s.dialect.From(sqlTable).Select("k", "ver", "v").Where(cond)
	if it.upper != nil {
		ds = ds.Where(goqu.C("k").Lt(string(it.upper)))
	}
	query, args, err := ds.Order(goqu.C("k").Asc()).Limit(sqlPageSize).Prepared(true).ToSQL()
	if err != nil {
		it.fail = err
		return nil, nil
	}
	it.rows = it.rows[:0]
	if err := it.s.db.SelectContext(it.ctx, &it.rows, query, args...); err != nil {
		it.fail = fmt.Errorf("kv: sql list: %w", err)
		return nil, nil
	}
	it.full = len(it.rows) == sqlPageSize
	it.pos = 0
	return it.at()
}

func (it *sqlIter) at() ([]byte, []byte) {
	if it.pos >= len(it.rows) {
		return nil, nil
	}
	return []byte(it.rows[it.pos].K), nil
}

func (it *sqlIter) seek(key []byte) ([]byte, []byte) {
	return it.load(string(key), true)
}

func (it *sqlIter) next() ([]byte, []byte) {
	it.pos++
	if it.pos >= len(it.rows) && it.full {
		return it.load(it.rows[len(it.rows)-1].K, false)
	}
	return it.at()
}

func (it *sqlIter) err() error {
	return it.fail
}
