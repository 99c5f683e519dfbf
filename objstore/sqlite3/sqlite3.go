// Package sqlite3 implements an object store in a Sqlite database.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/zvc"
	"github.com/bobg/zvc/objstore"
)

var _ zvc.ObjectStore = &Store{}

// Store is a Sqlite-based object store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `objects` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
  key TEXT PRIMARY KEY NOT NULL,
  data BLOB NOT NULL,
  version TEXT NOT NULL
);
`

// New produces a new Store using `db` for storage.
// Sqlite permits only one writer at a time,
// so New limits db to a single open connection.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
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
		return nil, zvc.NoVersion, errors.Wrapf(err, "getting %s", key)
	}
	return data, zvc.Version(version), nil
}

// Put stores data at key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (zvc.Version, error) {
	const q = `INSERT INTO objects (key, data, version) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, version = excluded.version`

	version := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, q, key, nonNil(data), version); err != nil {
		return zvc.NoVersion, errors.Wrapf(err, "storing %s", key)
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
		return zvc.NoVersion, errors.Wrapf(err, "conditionally storing %s", key)
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
	if end := objstore.PrefixEnd(prefix); end != "" {
		const q = `SELECT key FROM objects WHERE key >= $1 AND key < $2 ORDER BY key`
		return sqlutil.ForQueryRows(ctx, s.db, q, prefix, end, f)
	}
	const q = `SELECT key FROM objects WHERE key >= $1 ORDER BY key`
	return sqlutil.ForQueryRows(ctx, s.db, q, prefix, f)
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM objects WHERE key = $1`
	_, err := s.db.ExecContext(ctx, q, key)
	return errors.Wrapf(err, "deleting %s", key)
}

// A nil []byte would be stored as NULL.
func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

func init() {
	objstore.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
