package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
)

// Store is the durable local entity database. Entity records live in an
// entities table keyed by (entity_type, id); watermarks and other scalar
// flags live in a separate simple_kv namespace.
//
// Write-path errors propagate; read-path errors are swallowed and
// degrade to empty results, matching the contract callers rely on.
type Store struct {
	db     *sql.DB
	logger *events.Logger

	mu  sync.Mutex // serializes multi-statement write sequences
	now func() time.Time
}

// Open creates or opens the SQLite-backed store at dbPath.
func Open(dbPath string, logger *events.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.WithField("component", "entity_store"),
		now:    time.Now,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return s, nil
}

// initialize creates tables and indexes.
func (s *Store) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS entities (
        entity_type TEXT NOT NULL,
        id TEXT NOT NULL,
        data TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        synced_at INTEGER,
        version INTEGER NOT NULL DEFAULT 1,
        deleted INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (entity_type, id)
    );

    CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(entity_type, updated_at);

    CREATE TABLE IF NOT EXISTS simple_kv (
        key TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        value TEXT NOT NULL
    );
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nowMillis returns the current time in ms since the epoch.
func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// ==================== Entity operations ====================

// Save upserts one entity record. The payload must carry a top-level
// "id". An existing live record keeps its created_at and gets version+1;
// a missing or soft-deleted record starts fresh at version 1.
func (s *Store) Save(entityType string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &models.StorageError{Op: "save", Entity: entityType, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveInTx(tx, entityType, data); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "save", Entity: entityType, Err: err}
	}
	return nil
}

// saveInTx performs the upsert inside an open transaction.
func (s *Store) saveInTx(tx *sql.Tx, entityType string, data json.RawMessage) error {
	id, err := models.EntityID(data)
	if err != nil {
		return &models.StorageError{Op: "save", Entity: entityType, Err: err}
	}

	now := s.nowMillis()

	var createdAt, version int64
	var deleted bool
	err = tx.QueryRow(`
        SELECT created_at, version, deleted
        FROM entities
        WHERE entity_type = ? AND id = ?
    `, entityType, id).Scan(&createdAt, &version, &deleted)

	switch {
	case err == sql.ErrNoRows:
		createdAt = now
		version = 1
	case err != nil:
		return &models.StorageError{Op: "save", Entity: entityType, Err: err}
	case deleted:
		// A revived record starts over; the soft-deleted row is replaced.
		createdAt = now
		version = 1
	default:
		version++
	}

	_, err = tx.Exec(`
        INSERT INTO entities (entity_type, id, data, created_at, updated_at, synced_at, version, deleted)
        VALUES (?, ?, ?, ?, ?, NULL, ?, 0)
        ON CONFLICT(entity_type, id) DO UPDATE SET
            data = excluded.data,
            created_at = excluded.created_at,
            updated_at = excluded.updated_at,
            synced_at = NULL,
            version = excluded.version,
            deleted = 0
    `, entityType, id, string(data), createdAt, now, version)
	if err != nil {
		return &models.StorageError{Op: "save", Entity: entityType, Err: err}
	}

	s.logger.WithFields(map[string]interface{}{
		"entity":  entityType,
		"id":      id,
		"version": version,
	}).Debug("Saved record")

	return nil
}

// SaveMany upserts a batch. Each record's version is computed against
// its own prior state; there is no cross-record atomicity contract.
func (s *Store) SaveMany(entityType string, records []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &models.StorageError{Op: "save_many", Entity: entityType, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, data := range records {
		if err := s.saveInTx(tx, entityType, data); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "save_many", Entity: entityType, Err: err}
	}
	return nil
}

// Find returns the record or nil when absent, soft-deleted, or on a
// storage read failure.
func (s *Store) Find(entityType, id string) *models.Record {
	rec, err := s.findRow(s.db.QueryRow(`
        SELECT entity_type, id, data, created_at, updated_at, synced_at, version, deleted
        FROM entities
        WHERE entity_type = ? AND id = ? AND deleted = 0
    `, entityType, id))
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.WithError(err).WithField("entity", entityType).Warn("Find failed")
		}
		return nil
	}
	return rec
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) findRow(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var data string
	var syncedAt sql.NullInt64
	var deleted int

	err := row.Scan(&rec.Meta.EntityType, &rec.Meta.ID, &data,
		&rec.Meta.CreatedAt, &rec.Meta.UpdatedAt, &syncedAt,
		&rec.Meta.Version, &deleted)
	if err != nil {
		return nil, err
	}

	rec.Data = json.RawMessage(data)
	if syncedAt.Valid {
		rec.Meta.SyncedAt = syncedAt.Int64
	}
	rec.Meta.Deleted = deleted != 0
	return &rec, nil
}

// FindAll returns all live records of a type, filtered, ordered and
// paginated per opts. Degrades to an empty slice on read failure.
func (s *Store) FindAll(entityType string, opts *models.QueryOptions) []*models.Record {
	rows, err := s.db.Query(`
        SELECT entity_type, id, data, created_at, updated_at, synced_at, version, deleted
        FROM entities
        WHERE entity_type = ? AND deleted = 0
        ORDER BY updated_at ASC, id ASC
    `, entityType)
	if err != nil {
		s.logger.WithError(err).WithField("entity", entityType).Warn("FindAll failed")
		return nil
	}
	defer rows.Close()

	var results []*models.Record
	for rows.Next() {
		rec, err := s.findRow(rows)
		if err != nil {
			s.logger.WithError(err).Warn("Scan failed")
			continue
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		s.logger.WithError(err).Warn("FindAll iteration failed")
		return nil
	}

	if opts == nil {
		return results
	}

	if len(opts.Where) > 0 {
		results = applyWhere(results, opts.Where)
	}
	if opts.OrderBy != nil {
		applyOrder(results, opts.OrderBy)
	}
	return applyPage(results, opts.Offset, opts.Limit)
}

// ListDirty returns records whose local changes the server has not
// confirmed: synced_at absent or updated_at past it. Soft-deleted rows
// are included, a pending delete is a local change like any other.
func (s *Store) ListDirty(entityType string) []*models.Record {
	rows, err := s.db.Query(`
        SELECT entity_type, id, data, created_at, updated_at, synced_at, version, deleted
        FROM entities
        WHERE entity_type = ?
          AND (synced_at IS NULL OR updated_at > synced_at)
        ORDER BY updated_at ASC, id ASC
    `, entityType)
	if err != nil {
		s.logger.WithError(err).WithField("entity", entityType).Warn("ListDirty failed")
		return nil
	}
	defer rows.Close()

	var results []*models.Record
	for rows.Next() {
		rec, err := s.findRow(rows)
		if err != nil {
			continue
		}
		results = append(results, rec)
	}
	return results
}

// MarkSynced stamps the server-confirmation time without touching
// version or updated_at, so a concurrent local write keeps the record
// dirty.
func (s *Store) MarkSynced(entityType, id string, at int64) error {
	_, err := s.db.Exec(`
        UPDATE entities SET synced_at = ?
        WHERE entity_type = ? AND id = ? AND deleted = 0
    `, at, entityType, id)
	if err != nil {
		return &models.StorageError{Op: "mark_synced", Entity: entityType, Err: err}
	}
	return nil
}

// Count returns the number of live records matching where.
func (s *Store) Count(entityType string, where map[string]interface{}) int {
	if len(where) == 0 {
		var n int
		err := s.db.QueryRow(`
            SELECT COUNT(*) FROM entities WHERE entity_type = ? AND deleted = 0
        `, entityType).Scan(&n)
		if err != nil {
			s.logger.WithError(err).Warn("Count failed")
			return 0
		}
		return n
	}

	return len(s.FindAll(entityType, &models.QueryOptions{Where: where}))
}

// Delete removes a record. Soft-delete marks the row and bumps
// updated_at; hard-delete drops it physically. Returns false when
// nothing was removed.
func (s *Store) Delete(entityType, id string, hard bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, err := s.deleteOne(s.db, entityType, id, hard)
	if err != nil {
		s.logger.WithError(err).WithField("entity", entityType).Warn("Delete failed")
		return false
	}
	return deleted
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) deleteOne(e execer, entityType, id string, hard bool) (bool, error) {
	if hard {
		res, err := e.Exec(`
            DELETE FROM entities WHERE entity_type = ? AND id = ?
        `, entityType, id)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := e.Exec(`
        UPDATE entities SET deleted = 1, updated_at = ?
        WHERE entity_type = ? AND id = ? AND deleted = 0
    `, s.nowMillis(), entityType, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMany deletes several records, returning how many were removed.
func (s *Store) DeleteMany(entityType string, ids []string, hard bool) int {
	count := 0
	for _, id := range ids {
		if s.Delete(entityType, id, hard) {
			count++
		}
	}
	return count
}

// Clear removes every record of a type, hard.
func (s *Store) Clear(entityType string) error {
	_, err := s.db.Exec(`DELETE FROM entities WHERE entity_type = ?`, entityType)
	if err != nil {
		return &models.StorageError{Op: "clear", Entity: entityType, Err: err}
	}
	return nil
}

// Transaction executes the ops in order inside one SQL transaction. Any
// failure rolls every touched key back to its prior state and returns
// the error.
func (s *Store) Transaction(ops []TxOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &models.StorageError{Op: "transaction", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		switch op.Type {
		case TxSave:
			if err := s.saveInTx(tx, op.EntityType, op.Data); err != nil {
				return err
			}
		case TxDelete:
			if _, err := s.deleteOne(tx, op.EntityType, op.ID, op.Hard); err != nil {
				return &models.StorageError{Op: "transaction", Entity: op.EntityType, Err: err}
			}
		default:
			return &models.StorageError{Op: "transaction", Err: fmt.Errorf("unknown op type %q", op.Type)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "transaction", Err: err}
	}
	return nil
}

// ==================== Simple key-value namespace ====================

// SetSimple stores a scalar (string, number or bool) under key,
// separate from the entity namespace.
func (s *Store) SetSimple(key string, value interface{}) error {
	var kind, str string

	switch v := value.(type) {
	case string:
		kind, str = "string", v
	case int:
		kind, str = "number", strconv.FormatInt(int64(v), 10)
	case int64:
		kind, str = "number", strconv.FormatInt(v, 10)
	case float64:
		kind, str = "number", strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		kind, str = "bool", strconv.FormatBool(v)
	default:
		return ErrBadSimpleKind
	}

	_, err := s.db.Exec(`
        INSERT INTO simple_kv (key, kind, value) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, value = excluded.value
    `, key, kind, str)
	if err != nil {
		return &models.StorageError{Op: "set_simple", Err: err}
	}
	return nil
}

// GetSimple returns the stored scalar, or nil when absent.
func (s *Store) GetSimple(key string) interface{} {
	var kind, str string
	err := s.db.QueryRow(`SELECT kind, value FROM simple_kv WHERE key = ?`, key).Scan(&kind, &str)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.WithError(err).WithField("key", key).Warn("GetSimple failed")
		}
		return nil
	}

	switch kind {
	case "string":
		return str
	case "number":
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(str, 64)
		return f
	case "bool":
		b, _ := strconv.ParseBool(str)
		return b
	default:
		return nil
	}
}

// GetSimpleInt64 is a typed accessor for numeric scalars such as sync
// watermarks. Returns 0, false when absent or not numeric.
func (s *Store) GetSimpleInt64(key string) (int64, bool) {
	switch v := s.GetSimple(key).(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetSimpleString returns a stored string scalar, "" when absent.
func (s *Store) GetSimpleString(key string) string {
	if v, ok := s.GetSimple(key).(string); ok {
		return v
	}
	return ""
}

// DeleteSimple removes a scalar key.
func (s *Store) DeleteSimple(key string) {
	if _, err := s.db.Exec(`DELETE FROM simple_kv WHERE key = ?`, key); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("DeleteSimple failed")
	}
}

// ==================== Stats ====================

// Stats summarizes database contents.
func (s *Store) Stats() models.StoreStats {
	stats := models.StoreStats{Entities: make(map[string]int)}

	rows, err := s.db.Query(`
        SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type
    `)
	if err != nil {
		s.logger.WithError(err).Warn("Stats failed")
		return stats
	}
	defer rows.Close()

	for rows.Next() {
		var entityType string
		var n int
		if err := rows.Scan(&entityType, &n); err != nil {
			continue
		}
		stats.Entities[entityType] = n
		stats.TotalSize += n
	}

	var kvCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM simple_kv`).Scan(&kvCount); err == nil {
		stats.TotalSize += kvCount
	}

	return stats
}

// ==================== Query helpers ====================

func applyWhere(records []*models.Record, where map[string]interface{}) []*models.Record {
	out := records[:0]
	for _, rec := range records {
		fields := rec.Fields()
		match := true
		for k, want := range where {
			if !valuesEqual(fields[k], want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	return out
}

// valuesEqual compares a JSON-decoded field against a caller-supplied
// filter value, normalizing numbers across int/float representations.
func valuesEqual(got, want interface{}) bool {
	if gf, ok := asFloat(got); ok {
		if wf, ok := asFloat(want); ok {
			return gf == wf
		}
		return false
	}
	return got == want
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// applyOrder sorts in place. Incomparable or equal values keep their
// existing relative order.
func applyOrder(records []*models.Record, orderBy *models.OrderBy) {
	desc := orderBy.Direction == models.SortDesc
	sort.SliceStable(records, func(i, j int) bool {
		a := records[i].Fields()[orderBy.Field]
		b := records[j].Fields()[orderBy.Field]

		cmp, ok := compareValues(a, b)
		if !ok || cmp == 0 {
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareValues(a, b interface{}) (int, bool) {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

func applyPage(records []*models.Record, offset, limit int) []*models.Record {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
