// Package storage - relational engine on gorm.
//
// SQLEngine keeps elements and relations in two tables:
//
//	elements(id PRIMARY KEY, name UNIQUE)
//	relations(id PRIMARY KEY, parent_id, child, count CHECK(count > 0),
//	          rating_sum, rating_sum_squares, UNIQUE(parent_id, child))
//
// The unique index on (parent_id, child) is the last line of defence for
// edge uniqueness; the transaction also checks before inserting so callers
// get ErrDuplicateEdge rather than a driver error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// elementRow is the gorm model of the elements table.
type elementRow struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"not null;uniqueIndex"`
}

func (elementRow) TableName() string { return "elements" }

// relationRow is the gorm model of the relations table.
type relationRow struct {
	ID               uint64  `gorm:"primaryKey;autoIncrement"`
	ParentID         uint64  `gorm:"not null;uniqueIndex:idx_relations_parent_child,priority:1"`
	Child            string  `gorm:"not null;uniqueIndex:idx_relations_parent_child,priority:2"`
	Count            int64   `gorm:"not null;check:chk_relations_count,count > 0"`
	RatingSum        float64 `gorm:"not null"`
	RatingSumSquares float64 `gorm:"not null"`
}

func (relationRow) TableName() string { return "relations" }

// SQLOptions configures the SQL engine.
type SQLOptions struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	// DSN is the data source name. For sqlite this is a file path; WAL
	// journaling and a busy timeout are appended when absent.
	DSN string

	// Logger receives gorm's SQL logs. Nil silences them.
	Logger gormLogger.Interface
}

// SQLEngine implements Engine on a relational database through gorm.
//
// SQLite admits one writer at a time, so writable transactions are
// serialized by the engine; readers run against WAL snapshots and never see
// uncommitted rows. PostgreSQL writers run concurrently and rely on MVCC
// plus the unique indexes.
//
// Example:
//
//	engine, err := storage.NewSQLEngine(storage.SQLOptions{
//		Driver: "sqlite",
//		DSN:    "./data/markov.db",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type SQLEngine struct {
	db     *gorm.DB
	driver string

	// writer serializes writable transactions on SQLite.
	writer chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewSQLEngine opens the database and migrates the schema.
func NewSQLEngine(opts SQLOptions) (*SQLEngine, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Driver) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(sqliteDSN(opts.DSN))
	case "postgres", "postgresql":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", opts.Driver)
	}

	logger := opts.Logger
	if logger == nil {
		logger = gormLogger.Default.LogMode(gormLogger.Silent)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", opts.Driver, err)
	}

	if err := db.AutoMigrate(&elementRow{}, &relationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	engine := &SQLEngine{db: db, driver: strings.ToLower(opts.Driver)}
	if engine.isSQLite() {
		engine.writer = make(chan struct{}, 1)
	}
	return engine, nil
}

// sqliteDSN turns a plain path into a DSN with WAL journaling and a busy
// timeout so readers are not blocked by the writer.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func (s *SQLEngine) isSQLite() bool {
	return s.driver == "sqlite" || s.driver == "sqlite3"
}

// Name implements Engine.
func (s *SQLEngine) Name() string {
	if s.isSQLite() {
		return "sqlite"
	}
	return "postgres"
}

// DB exposes the underlying gorm handle.
func (s *SQLEngine) DB() *gorm.DB { return s.db }

// Begin implements Engine. Writable transactions open a database
// transaction; read-only ones run each read as its own statement against
// committed data.
func (s *SQLEngine) Begin(ctx context.Context, writable bool) (Transaction, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStorageClosed
	}

	if !writable {
		return newSQLTransaction(s, s.db.WithContext(ctx), false), nil
	}

	if s.writer != nil {
		select {
		case s.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		s.releaseWriter()
		return nil, wrapErr("sql.begin", tx.Error)
	}
	return newSQLTransaction(s, tx, true), nil
}

func (s *SQLEngine) releaseWriter() {
	if s.writer != nil {
		<-s.writer
	}
}

// Stats implements Engine.
func (s *SQLEngine) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&elementRow{}).Count(&stats.Elements).Error; err != nil {
		return Stats{}, wrapErr("sql.count elements", err)
	}
	if err := db.Model(&relationRow{}).Count(&stats.Edges).Error; err != nil {
		return Stats{}, wrapErr("sql.count relations", err)
	}
	return stats, nil
}

// Truncate deletes every row. Auto-increment counters are left alone, so
// element IDs keep counting up.
func (s *SQLEngine) Truncate(ctx context.Context) error {
	if s.writer != nil {
		select {
		case s.writer <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer s.releaseWriter()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&relationRow{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&elementRow{}).Error
	})
	return wrapErr("sql.truncate", err)
}

// Close closes the connection pool.
func (s *SQLEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
