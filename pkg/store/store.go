// Package store is the persistent half of the fingerprint index: a small
// SQLite database recording, for each known path, its last-seen
// modification time and extents-fingerprint, and for each extents-fingerprint,
// the data-fingerprint it resolved to. It is grounded on the original
// fastdedupe implementation's Database class, reworked onto
// database/sql and github.com/mattn/go-sqlite3 per the teacher's
// preference for a single long-lived transaction per run.
package store

import (
	"database/sql"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dedupfs/dedupfs/pkg/fingerprint"
)

const schema = `
CREATE TABLE IF NOT EXISTS hashes (
	extents_hash BLOB PRIMARY KEY NOT NULL,
	data_hash BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	path VARCHAR PRIMARY KEY NOT NULL,
	mtime INTEGER NOT NULL,
	extents_hash BLOB NOT NULL REFERENCES hashes
);`

// Store is the run's persistent index, opened once and wrapping the entire
// run in a single transaction (spec.md 5: "a single long-lived SQL
// transaction wraps all persistent mutations of a run").
type Store struct {
	db *sql.DB
	tx *sql.Tx

	upsertHash *sql.Stmt
	insertFile *sql.Stmt
	updateFile *sql.Stmt
	removeFile *sql.Stmt
	replayRows *sql.Stmt
}

// Row is one persisted (path, mtime, extents-fingerprint, data-fingerprint)
// tuple, as loaded back during Replay.
type Row struct {
	Path        string
	MTime       int64
	DataHash    fingerprint.Fingerprint
	ExtentsHash fingerprint.Fingerprint
}

// Open creates the database file if absent, ensures the schema exists, and
// begins the run's transaction.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to create schema")
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to begin transaction")
	}

	s := &Store{db: db, tx: tx}
	if err := s.prepare(); err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare() error {
	var err error
	if s.upsertHash, err = s.tx.Prepare(
		`INSERT INTO hashes (extents_hash, data_hash) VALUES (?, ?)
		 ON CONFLICT (extents_hash) DO UPDATE SET data_hash = excluded.data_hash`,
	); err != nil {
		return errors.Wrap(err, "unable to prepare upsertHash")
	}
	if s.insertFile, err = s.tx.Prepare(
		`INSERT INTO files (path, mtime, extents_hash) VALUES (?, ?, ?)`,
	); err != nil {
		return errors.Wrap(err, "unable to prepare insertFile")
	}
	if s.updateFile, err = s.tx.Prepare(
		`UPDATE files SET mtime = ?, extents_hash = ? WHERE path = ?`,
	); err != nil {
		return errors.Wrap(err, "unable to prepare updateFile")
	}
	if s.removeFile, err = s.tx.Prepare(
		`DELETE FROM files WHERE path = ?`,
	); err != nil {
		return errors.Wrap(err, "unable to prepare removeFile")
	}
	if s.replayRows, err = s.tx.Prepare(
		`SELECT files.path, files.mtime, hashes.data_hash, files.extents_hash
		 FROM files NATURAL JOIN hashes
		 WHERE files.path = ? OR files.path LIKE ?1 || '/%'`,
	); err != nil {
		return errors.Wrap(err, "unable to prepare replayRows")
	}
	return nil
}

// UpsertHash records, or updates, the data-fingerprint resolved for an
// extents-fingerprint.
func (s *Store) UpsertHash(extentsHash, dataHash fingerprint.Fingerprint) error {
	_, err := s.upsertHash.Exec(extentsHash.CanonicalBytes(), dataHash.CanonicalBytes())
	return errors.Wrap(err, "unable to upsert hash row")
}

// InsertFile adds a new file row.
func (s *Store) InsertFile(path string, mtime int64, extentsHash fingerprint.Fingerprint) error {
	_, err := s.insertFile.Exec(path, mtime, extentsHash.CanonicalBytes())
	return errors.Wrap(err, "unable to insert file row")
}

// UpdateFile overwrites an existing file row's mtime and extents-fingerprint.
func (s *Store) UpdateFile(path string, mtime int64, extentsHash fingerprint.Fingerprint) error {
	_, err := s.updateFile.Exec(mtime, extentsHash.CanonicalBytes(), path)
	return errors.Wrap(err, "unable to update file row")
}

// RemoveFile deletes a file row.
func (s *Store) RemoveFile(path string) error {
	_, err := s.removeFile.Exec(path)
	return errors.Wrap(err, "unable to remove file row")
}

// Replay loads every persisted file row that falls under pattern (either
// exactly pattern itself, or nested under it as a directory prefix),
// joined against its hash row for the data-fingerprint.
func (s *Store) Replay(pattern string) ([]Row, error) {
	queryRows, err := s.replayRows.Query(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query file rows")
	}
	defer queryRows.Close()

	var rows []Row
	for queryRows.Next() {
		var r Row
		var dataHashRaw, extentsHashRaw []byte
		if err := queryRows.Scan(&r.Path, &r.MTime, &dataHashRaw, &extentsHashRaw); err != nil {
			return nil, errors.Wrap(err, "unable to scan file row")
		}
		if r.DataHash, err = fingerprint.FromCanonicalBytes(dataHashRaw); err != nil {
			return nil, errors.Wrap(err, "malformed data hash in database")
		}
		if r.ExtentsHash, err = fingerprint.FromCanonicalBytes(extentsHashRaw); err != nil {
			return nil, errors.Wrap(err, "malformed extents hash in database")
		}
		rows = append(rows, r)
	}
	return rows, errors.Wrap(queryRows.Err(), "error iterating file rows")
}

// CleanHashes removes every hash row no longer referenced by any file row,
// run once at the end of the reconciliation phase.
func (s *Store) CleanHashes() error {
	_, err := s.tx.Exec(
		`DELETE FROM hashes WHERE extents_hash IN (
			SELECT hashes.extents_hash FROM hashes
			NATURAL LEFT JOIN files
			WHERE files.path IS NULL
			GROUP BY hashes.extents_hash
		)`,
	)
	return errors.Wrap(err, "unable to clean orphaned hash rows")
}

// Close commits the run's transaction and closes the database handle.
func (s *Store) Close() error {
	if err := s.tx.Commit(); err != nil {
		s.db.Close()
		return errors.Wrap(err, "unable to commit transaction")
	}
	return errors.Wrap(s.db.Close(), "unable to close database")
}

// Abort rolls back the run's transaction and closes the database handle,
// used when the run fails before reaching a commit point.
func (s *Store) Abort() error {
	if err := s.tx.Rollback(); err != nil {
		s.db.Close()
		return errors.Wrap(err, "unable to roll back transaction")
	}
	return errors.Wrap(s.db.Close(), "unable to close database")
}
