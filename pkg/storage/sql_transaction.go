package storage

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLTransaction is the Transaction implementation of SQLEngine.
//
// A writable SQLTransaction wraps a gorm transaction; a read-only one wraps a
// plain session, so each read sees the latest committed rows.
type SQLTransaction struct {
	mu sync.Mutex

	ID        string
	StartTime time.Time
	Status    TransactionStatus

	db       *gorm.DB
	engine   *SQLEngine
	writable bool

	operations int
}

func newSQLTransaction(engine *SQLEngine, db *gorm.DB, writable bool) *SQLTransaction {
	return &SQLTransaction{
		ID:        generateTxID(),
		StartTime: time.Now(),
		Status:    TxStatusActive,
		db:        db,
		engine:    engine,
		writable:  writable,
	}
}

// Writable implements Transaction.
func (tx *SQLTransaction) Writable() bool { return tx.writable }

// OperationCount returns the number of writes made so far.
func (tx *SQLTransaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.operations
}

func (tx *SQLTransaction) checkActive() error {
	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	return nil
}

func (tx *SQLTransaction) checkWrite() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// EnsureElement implements Transaction. The insert ignores a conflicting
// name so a concurrent registration of the same name resolves to one row.
func (tx *SQLTransaction) EnsureElement(name string) (ElementID, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := ValidateName(name); err != nil {
		return 0, err
	}
	id, ok, err := tx.lookup(name)
	if err != nil || ok {
		return id, err
	}
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}

	row := elementRow{Name: name}
	if err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return 0, wrapErr("sql.insert element", err)
	}
	tx.operations++

	if row.ID != 0 {
		return ElementID(row.ID), nil
	}
	id, ok, err = tx.lookup(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, wrapErr("sql.insert element", errors.New("element vanished after insert"))
	}
	return id, nil
}

// ElementID implements Transaction.
func (tx *SQLTransaction) ElementID(name string) (ElementID, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lookup(name)
}

func (tx *SQLTransaction) lookup(name string) (ElementID, bool, error) {
	if err := tx.checkActive(); err != nil {
		return 0, false, err
	}
	var rows []elementRow
	if err := tx.db.Where("name = ?", name).Limit(1).Find(&rows).Error; err != nil {
		return 0, false, wrapErr("sql.select element", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return ElementID(rows[0].ID), true, nil
}

// GetEdge implements Transaction.
func (tx *SQLTransaction) GetEdge(parent ElementID, child string) (EdgeStats, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return EdgeStats{}, false, err
	}
	return tx.edge(parent, child)
}

func (tx *SQLTransaction) edge(parent ElementID, child string) (EdgeStats, bool, error) {
	var rows []relationRow
	if err := tx.db.
		Where("parent_id = ? AND child = ?", uint64(parent), child).
		Limit(1).
		Find(&rows).Error; err != nil {
		return EdgeStats{}, false, wrapErr("sql.select relation", err)
	}
	if len(rows) == 0 {
		return EdgeStats{}, false, nil
	}
	return rows[0].stats(), true, nil
}

// ListChildren implements Transaction.
func (tx *SQLTransaction) ListChildren(parent ElementID) ([]Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	var rows []relationRow
	if err := tx.db.Where("parent_id = ?", uint64(parent)).Find(&rows).Error; err != nil {
		return nil, wrapErr("sql.select relations", err)
	}
	edges := make([]Edge, 0, len(rows))
	for _, r := range rows {
		edges = append(edges, Edge{Parent: parent, Child: r.Child, EdgeStats: r.stats()})
	}
	return edges, nil
}

// CreateEdge implements Transaction.
func (tx *SQLTransaction) CreateEdge(parent ElementID, child string, stats EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := ValidateName(child); err != nil {
		return err
	}
	if err := ValidateCount(stats.Count); err != nil {
		return err
	}

	var parents int64
	if err := tx.db.Model(&elementRow{}).Where("id = ?", uint64(parent)).Count(&parents).Error; err != nil {
		return wrapErr("sql.select parent", err)
	}
	if parents == 0 {
		return ErrNotFound
	}

	_, exists, err := tx.edge(parent, child)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEdge
	}

	row := relationRow{
		ParentID:         uint64(parent),
		Child:            child,
		Count:            stats.Count,
		RatingSum:        stats.RatingSum,
		RatingSumSquares: stats.RatingSumSquares,
	}
	if err := tx.db.Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateEdge
		}
		return wrapErr("sql.insert relation", err)
	}
	tx.operations++
	return nil
}

// IncrementEdge implements Transaction. The addition happens in the UPDATE
// statement itself so it composes with concurrent writers on PostgreSQL.
func (tx *SQLTransaction) IncrementEdge(parent ElementID, child string, delta EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	if delta.Count < 0 {
		current, exists, err := tx.edge(parent, child)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if err := ValidateCount(current.Count + delta.Count); err != nil {
			return err
		}
	}
	res := tx.db.Model(&relationRow{}).
		Where("parent_id = ? AND child = ?", uint64(parent), child).
		Updates(map[string]interface{}{
			"count":              gorm.Expr("count + ?", delta.Count),
			"rating_sum":         gorm.Expr("rating_sum + ?", delta.RatingSum),
			"rating_sum_squares": gorm.Expr("rating_sum_squares + ?", delta.RatingSumSquares),
		})
	if res.Error != nil {
		return wrapErr("sql.increment relation", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	tx.operations++
	return nil
}

// ResetEdge implements Transaction.
func (tx *SQLTransaction) ResetEdge(parent ElementID, child string, stats EdgeStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := ValidateCount(stats.Count); err != nil {
		return err
	}
	res := tx.db.Model(&relationRow{}).
		Where("parent_id = ? AND child = ?", uint64(parent), child).
		Updates(map[string]interface{}{
			"count":              stats.Count,
			"rating_sum":         stats.RatingSum,
			"rating_sum_squares": stats.RatingSumSquares,
		})
	if res.Error != nil {
		return wrapErr("sql.reset relation", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	tx.operations++
	return nil
}

// Commit implements Transaction.
func (tx *SQLTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}
	if !tx.writable {
		tx.Status = TxStatusCommitted
		return nil
	}
	defer tx.engine.releaseWriter()

	if err := tx.db.Commit().Error; err != nil {
		tx.Status = TxStatusRolledBack
		return wrapErr("sql.commit", err)
	}
	tx.Status = TxStatusCommitted
	return nil
}

// Rollback implements Transaction.
func (tx *SQLTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.Status = TxStatusRolledBack
	if !tx.writable {
		return nil
	}
	defer tx.engine.releaseWriter()

	// A cancelled context has already rolled the transaction back.
	if err := tx.db.Rollback().Error; err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrapErr("sql.rollback", err)
	}
	return nil
}

func (r relationRow) stats() EdgeStats {
	return EdgeStats{
		Count:            r.Count,
		RatingSum:        r.RatingSum,
		RatingSumSquares: r.RatingSumSquares,
	}
}
