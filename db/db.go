package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tonearm/tonearm/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const DatabaseFileName = "tonearm.db"

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

// Open opens a sqlite database at the given path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if path == ":memory:" {
		// A second in-memory connection would see an empty database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warn("Failed to enable WAL mode", "err", err)
		} else {
			log.Debug("Database journal mode", "mode", journalMode)
		}
	}

	// Tuned for a concurrent federation workload.
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// GetDB returns the process-wide database, opening it on first use.
func GetDB() *DB {
	dbOnce.Do(func() {
		path := util.ResolveFilePath(DatabaseFileName)
		db, err := Open(path)
		if err != nil {
			log.Fatal("Failed to open database", "path", path, "err", err)
		}
		log.Info("Database initialized", "path", path)
		dbInstance = db
	})
	return dbInstance
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying on
// SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("Error starting transaction", "err", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Error("Error committing transaction", "err", err)
			return err
		}
		break
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite unique constraint error.
func isUniqueViolation(err error) bool {
	serr, ok := err.(*sqlite.Error)
	if !ok {
		return false
	}
	return serr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		serr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}
