package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/mattn/go-sqlite3"
)

// BusyTimeout is how long a connection waits for the database lock before failing with SQLITE_BUSY
const BusyTimeout = 5 * time.Second

var (
	ErrNotFound = errors.New("not found")
)

// NewSQLiteDB creates a new SQLite DB. Transactions begin IMMEDIATE so concurrent writers queue
// on the database lock, up to BusyTimeout, instead of failing when upgrading a read lock.
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath, "_txlock=immediate&_journal_mode=WAL&_synchronous=NORMAL"))
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`pragma journal_size_limit = 6144000;`)
	return db, err
}

// NewSQLiteReadDB opens a query only handle of dbPath whose transactions begin DEFERRED, so read
// transactions run concurrently with each other and with the writer. The database must have been
// opened by NewSQLiteDB first.
func NewSQLiteReadDB(dbPath string) (*sql.DB, error) {
	return sql.Open("sqlite3", dsn(dbPath, "_txlock=deferred&_query_only=true"))
}

// dsn sets the connection pragmas through the DSN so every connection of the pool gets them
func dsn(dbPath, params string) string {
	if !strings.HasPrefix(dbPath, "file:") {
		dbPath = "file:" + dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s&_busy_timeout=%d&_foreign_keys=on",
		dbPath, sep, params, BusyTimeout.Milliseconds())
}

func ReturnErrNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// IsUniqueViolation reports whether err was raised by a UNIQUE or PRIMARY KEY constraint
func IsUniqueViolation(err error) bool {
	sqliteErr, ok := SQLiteErr(err)
	if !ok {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite.ErrConstraintPrimaryKey
}
