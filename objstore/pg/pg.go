// Package pg implements an object store in a Postgresql database.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Store is a Postgresql-based object store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `objects` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
// Keys use the "C" collation so that listing order is bytewise.
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
  key TEXT COLLATE "C" PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL,
  version TEXT NOT NULL
);
`

// New produces a new Store using `db` for storage.
// It expects to create table `objects`,
// or for that table already to exist with the correct schema.
// (See variable Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, classify(errors.Wrap(err, "creating schema"))
}

// Lost connections are worth retrying.
func classify(err error) error {
	if stderrs.Is(err, driver.ErrBadConn) {
		return zvc.Transient(err)
	}
	return err
}

// Get gets the object stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, zvc.Version, error) {
	const q = `SELECT data, version FROM objects WHERE key = $1`

	var (
		data    []byte
		version string
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&data, &version)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, zvc.NoVersion, zvc.ErrNotFound
	}
	if err != nil {
		return nil, zvc.NoVersion, classify(errors.Wrapf(err, "getting %s", key))
	}
	return data, zvc.Version(version), nil
}

// Put stores data at key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (zvc.Version, error) {
	const q = `INSERT INTO objects (key, data, version) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, version = excluded.version`

	version := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, q, key, nonNil(data), version); err != nil {
		return zvc.NoVersion, classify(errors.Wrapf(err, "storing %s", key))
	}
	return zvc.Version(version), nil
}

// PutIfMatch stores data at key if key's current version is `expected`.
func (s *Store) PutIfMatch(ctx context.Context, key string, data []byte, expected zvc.Version) (zvc.Version, error) {
	var (
		version = uuid.New().String()
		res     sql.Result
		err     error
	)
	if expected == zvc.NoVersion {
		const q = `INSERT INTO objects (key, data, version) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
		res, err = s.db.ExecContext(ctx, q, key, nonNil(data), version)
	} else {
		const q = `UPDATE objects SET data = $1, version = $2 WHERE key = $3 AND version = $4`
		res, err = s.db.ExecContext(ctx, q, nonNil(data), version, key, string(expected))
	}
	if err != nil {
		return zvc.NoVersion, classify(errors.Wrapf(err, "conditionally storing %s", key))
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return zvc.NoVersion, errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return zvc.NoVersion, zvc.ErrPreconditionFailed
	}
	return zvc.Version(version), nil
}

// List produces the keys beginning with prefix, in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string, f func(string) error) error {
	var err error
	if end := objstore.PrefixEnd(prefix); end != "" {
		const q = `SELECT key FROM objects WHERE key >= $1 AND key < $2 ORDER BY key`
		err = sqlutil.ForQueryRows(ctx, s.db, q, prefix, end, f)
	} else {
		const q = `SELECT key FROM objects WHERE key >= $1 ORDER BY key`
		err = sqlutil.ForQueryRows(ctx, s.db, q, prefix, f)
	}
	return classify(err)
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM objects WHERE key = $1`
	_, err := s.db.ExecContext(ctx, q, key)
	return classify(errors.Wrapf(err, "deleting %s", key))
}

func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

func init() {
	objstore.Register("pg", func(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
