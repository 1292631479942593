// Package store provides SQLite-backed persistence for Pulse.
//
// The store is the single owner of persisted state: cached remote entities,
// the pending-action log, dead letters, source connections, settings and
// the sync journal. Every failure is returned as a *syncerr.StorageError.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/syncerr"
)

// Store provides access to the Pulse SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Store and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, syncerr.Storage("open", fmt.Errorf("create db directory: %w", err))
	}

	// WAL keeps readers off the writer's back
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, syncerr.Storage("open", fmt.Errorf("open db: %w", err))
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, syncerr.Storage("open", fmt.Errorf("migrate: %w", err))
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		resource_type TEXT NOT NULL,
		op_kind TEXT NOT NULL,
		op_name TEXT,
		target_id TEXT,
		payload TEXT,
		enqueued_at DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS cached_entities (
		resource_type TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		last_synced_at DATETIME NOT NULL,
		PRIMARY KEY (resource_type, id)
	);

	CREATE TABLE IF NOT EXISTS cache_collections (
		resource_type TEXT PRIMARY KEY,
		last_synced_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		op_kind TEXT NOT NULL,
		op_name TEXT,
		target_id TEXT,
		payload TEXT,
		enqueued_at DATETIME NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		reason TEXT NOT NULL,
		dead_lettered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS connections (
		source_id TEXT PRIMARY KEY,
		provider_type TEXT NOT NULL,
		account_id TEXT,
		display_name TEXT,
		access_token TEXT,
		refresh_token TEXT,
		expires_at DATETIME,
		scopes TEXT,
		status TEXT NOT NULL,
		connected_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS journal (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_actions_target ON pending_actions(resource_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON journal(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Cache ---

// GetCached returns the cached collection for rt, or nil if it was never cached.
func (s *Store) GetCached(rt models.ResourceType) ([]models.CachedEntity, error) {
	rows, err := s.db.Query(
		`SELECT id, data, last_synced_at FROM cached_entities WHERE resource_type = ? ORDER BY id`,
		string(rt),
	)
	if err != nil {
		return nil, syncerr.Storage("get cached", fmt.Errorf("query entities: %w", err))
	}
	defer rows.Close()

	var entities []models.CachedEntity
	for rows.Next() {
		e := models.CachedEntity{ResourceType: rt}
		var data string
		if err := rows.Scan(&e.ID, &data, &e.LastSyncedAt); err != nil {
			return nil, syncerr.Storage("get cached", fmt.Errorf("scan entity: %w", err))
		}
		e.Data = json.RawMessage(data)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("get cached", err)
	}
	if entities != nil {
		return entities, nil
	}

	// An empty but tracked collection is not the same as never cached.
	tracked, err := s.collectionTracked(rt)
	if err != nil {
		return nil, err
	}
	if tracked {
		return []models.CachedEntity{}, nil
	}
	return nil, nil
}

func (s *Store) collectionTracked(rt models.ResourceType) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_collections WHERE resource_type = ?`, string(rt)).Scan(&n)
	if err != nil {
		return false, syncerr.Storage("get cached", fmt.Errorf("query collection: %w", err))
	}
	return n > 0, nil
}

// GetEntity returns one cached entity, or nil if absent.
func (s *Store) GetEntity(rt models.ResourceType, id string) (*models.CachedEntity, error) {
	e := &models.CachedEntity{ResourceType: rt, ID: id}
	var data string
	err := s.db.QueryRow(
		`SELECT data, last_synced_at FROM cached_entities WHERE resource_type = ? AND id = ?`,
		string(rt), id,
	).Scan(&data, &e.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage("get entity", err)
	}
	e.Data = json.RawMessage(data)
	return e, nil
}

// SetCached atomically replaces the whole collection for rt and stamps it as synced now.
func (s *Store) SetCached(rt models.ResourceType, entities []models.CachedEntity) error {
	now := s.clock()

	tx, err := s.db.Begin()
	if err != nil {
		return syncerr.Storage("set cached", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_entities WHERE resource_type = ?`, string(rt)); err != nil {
		return syncerr.Storage("set cached", fmt.Errorf("clear collection: %w", err))
	}
	for _, e := range entities {
		if e.ID == "" {
			return syncerr.Storage("set cached", fmt.Errorf("entity without id in %s", rt))
		}
		if _, err := tx.Exec(
			`INSERT INTO cached_entities (resource_type, id, data, last_synced_at) VALUES (?, ?, ?, ?)`,
			string(rt), e.ID, string(orNull(e.Data)), now,
		); err != nil {
			return syncerr.Storage("set cached", fmt.Errorf("insert entity %s: %w", e.ID, err))
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO cache_collections (resource_type, last_synced_at) VALUES (?, ?)
		 ON CONFLICT(resource_type) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		string(rt), now,
	); err != nil {
		return syncerr.Storage("set cached", fmt.Errorf("stamp collection: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return syncerr.Storage("set cached", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// UpsertEntity replaces one entity as a whole. It does not bump the
// collection's sync stamp.
func (s *Store) UpsertEntity(e models.CachedEntity) error {
	if e.ID == "" {
		return syncerr.Storage("upsert entity", fmt.Errorf("entity id is required"))
	}
	_, err := s.db.Exec(
		`INSERT INTO cached_entities (resource_type, id, data, last_synced_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(resource_type, id) DO UPDATE SET data = excluded.data, last_synced_at = excluded.last_synced_at`,
		string(e.ResourceType), e.ID, string(orNull(e.Data)), e.LastSyncedAt.UTC(),
	)
	return syncerr.Storage("upsert entity", err)
}

// DeleteEntity removes one entity. Missing entities are ignored.
func (s *Store) DeleteEntity(rt models.ResourceType, id string) error {
	_, err := s.db.Exec(`DELETE FROM cached_entities WHERE resource_type = ? AND id = ?`, string(rt), id)
	return syncerr.Storage("delete entity", err)
}

// IsStale reports whether the most recent sync across tracked collections
// is older than maxAge. With nothing tracked the cache is stale.
func (s *Store) IsStale(maxAge time.Duration) (bool, error) {
	rows, err := s.db.Query(`SELECT last_synced_at FROM cache_collections`)
	if err != nil {
		return false, syncerr.Storage("is stale", err)
	}
	defer rows.Close()

	var newest time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return false, syncerr.Storage("is stale", err)
		}
		if t.After(newest) {
			newest = t
		}
	}
	if err := rows.Err(); err != nil {
		return false, syncerr.Storage("is stale", err)
	}
	if newest.IsZero() {
		return true, nil
	}
	return s.clock().Sub(newest) > maxAge, nil
}

// LastSyncedAt returns the sync stamp per tracked collection.
func (s *Store) LastSyncedAt() (map[models.ResourceType]time.Time, error) {
	rows, err := s.db.Query(`SELECT resource_type, last_synced_at FROM cache_collections`)
	if err != nil {
		return nil, syncerr.Storage("last synced", err)
	}
	defer rows.Close()

	out := make(map[models.ResourceType]time.Time)
	for rows.Next() {
		var rt string
		var t time.Time
		if err := rows.Scan(&rt, &t); err != nil {
			return nil, syncerr.Storage("last synced", err)
		}
		out[models.ResourceType(rt)] = t
	}
	return out, syncerr.Storage("last synced", rows.Err())
}

// --- Pending-action log ---

// EnqueueAction appends action to the log. The write is a single insert,
// so a failure leaves the prior log untouched.
func (s *Store) EnqueueAction(action *models.PendingAction) error {
	if err := action.Validate(); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = s.clock()
	}

	_, err := s.db.Exec(
		`INSERT INTO pending_actions (id, resource_type, op_kind, op_name, target_id, payload, enqueued_at, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, string(action.ResourceType), string(action.Operation.Kind),
		nullString(action.Operation.Name), nullString(action.TargetID), nullString(string(action.Payload)),
		action.EnqueuedAt.UTC(), action.Attempts, nullString(action.LastError),
	)
	if err != nil {
		return syncerr.Storage("enqueue", fmt.Errorf("insert action %s: %w", action.ID, err))
	}
	return nil
}

// ListPendingActions returns the log in FIFO order.
func (s *Store) ListPendingActions() ([]models.PendingAction, error) {
	rows, err := s.db.Query(
		`SELECT id, resource_type, op_kind, op_name, target_id, payload, enqueued_at, attempts, last_error
		 FROM pending_actions ORDER BY seq`,
	)
	if err != nil {
		return nil, syncerr.Storage("list pending", fmt.Errorf("query actions: %w", err))
	}
	defer rows.Close()

	var actions []models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, syncerr.Storage("list pending", err)
		}
		actions = append(actions, a)
	}
	return actions, syncerr.Storage("list pending", rows.Err())
}

// CountPendingActions returns the log length.
func (s *Store) CountPendingActions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	return n, syncerr.Storage("count pending", err)
}

// RemoveAction deletes an action from the log. Missing ids are a no-op.
func (s *Store) RemoveAction(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_actions WHERE id = ?`, id)
	return syncerr.Storage("remove action", err)
}

// RecordFailure bumps the attempt counter of a queued action and returns it.
// It returns 0 if the action is no longer queued.
func (s *Store) RecordFailure(id, reason string) (int, error) {
	var attempts int
	err := s.db.QueryRow(
		`UPDATE pending_actions SET attempts = attempts + 1, last_error = ? WHERE id = ? RETURNING attempts`,
		reason, id,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Storage("record failure", err)
	}
	return attempts, nil
}

// DeadLetter moves an action from the log to the dead-letter table in one transaction.
func (s *Store) DeadLetter(action models.PendingAction, reason string) (*models.DeadLetter, error) {
	dl := &models.DeadLetter{Action: action, Reason: reason, DeadLetteredAt: s.clock()}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, syncerr.Storage("dead letter", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO dead_letters (id, resource_type, op_kind, op_name, target_id, payload, enqueued_at, attempts, last_error, reason, dead_lettered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, string(action.ResourceType), string(action.Operation.Kind),
		nullString(action.Operation.Name), nullString(action.TargetID), nullString(string(action.Payload)),
		action.EnqueuedAt.UTC(), action.Attempts, nullString(action.LastError), reason, dl.DeadLetteredAt,
	); err != nil {
		return nil, syncerr.Storage("dead letter", fmt.Errorf("insert dead letter: %w", err))
	}
	if _, err := tx.Exec(`DELETE FROM pending_actions WHERE id = ?`, action.ID); err != nil {
		return nil, syncerr.Storage("dead letter", fmt.Errorf("remove action: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, syncerr.Storage("dead letter", fmt.Errorf("commit: %w", err))
	}
	return dl, nil
}

// ListDeadLetters returns abandoned actions, oldest first.
func (s *Store) ListDeadLetters() ([]models.DeadLetter, error) {
	rows, err := s.db.Query(
		`SELECT id, resource_type, op_kind, op_name, target_id, payload, enqueued_at, attempts, last_error, reason, dead_lettered_at
		 FROM dead_letters ORDER BY dead_lettered_at, id`,
	)
	if err != nil {
		return nil, syncerr.Storage("list dead letters", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var opName, targetID, payload, lastErr sql.NullString
		var rt, kind string
		if err := rows.Scan(&dl.Action.ID, &rt, &kind, &opName, &targetID, &payload,
			&dl.Action.EnqueuedAt, &dl.Action.Attempts, &lastErr, &dl.Reason, &dl.DeadLetteredAt); err != nil {
			return nil, syncerr.Storage("list dead letters", err)
		}
		fillAction(&dl.Action, rt, kind, opName, targetID, payload, lastErr)
		out = append(out, dl)
	}
	return out, syncerr.Storage("list dead letters", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (models.PendingAction, error) {
	var a models.PendingAction
	var opName, targetID, payload, lastErr sql.NullString
	var rt, kind string
	if err := row.Scan(&a.ID, &rt, &kind, &opName, &targetID, &payload, &a.EnqueuedAt, &a.Attempts, &lastErr); err != nil {
		return a, fmt.Errorf("scan action: %w", err)
	}
	fillAction(&a, rt, kind, opName, targetID, payload, lastErr)
	return a, nil
}

func fillAction(a *models.PendingAction, rt, kind string, opName, targetID, payload, lastErr sql.NullString) {
	a.ResourceType = models.ResourceType(rt)
	a.Operation = models.Operation{Kind: models.OperationKind(kind), Name: opName.String}
	a.TargetID = targetID.String
	if payload.Valid && payload.String != "" {
		a.Payload = json.RawMessage(payload.String)
	}
	a.LastError = lastErr.String
}

// ClearAll wipes the cache, the log and the dead letters. Used on logout.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return syncerr.Storage("clear all", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	for _, table := range []string{"cached_entities", "cache_collections", "pending_actions", "dead_letters"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return syncerr.Storage("clear all", fmt.Errorf("clear %s: %w", table, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Storage("clear all", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// --- Settings ---

// GetSetting returns a stored setting and whether it exists.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.Storage("get setting", err)
	}
	return value, true, nil
}

// SetSetting stores a setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clock(),
	)
	return syncerr.Storage("set setting", err)
}

// --- Journal ---

// WriteJournal records a sync decision.
func (s *Store) WriteJournal(action, inputsHash, outcome, subjectID, details string) (*models.JournalEntry, error) {
	entry := &models.JournalEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		SubjectID:  subjectID,
		Details:    details,
		Timestamp:  s.clock(),
	}

	_, err := s.db.Exec(
		`INSERT INTO journal (id, action, inputs_hash, outcome, subject_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, nullString(entry.SubjectID), nullString(entry.Details), entry.Timestamp,
	)
	if err != nil {
		return nil, syncerr.Storage("write journal", fmt.Errorf("insert journal: %w", err))
	}
	return entry, nil
}

// ListJournal returns the most recent journal entries, newest first.
func (s *Store) ListJournal(limit int) ([]models.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, subject_id, details, timestamp FROM journal ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, syncerr.Storage("list journal", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var subject, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subject, &details, &e.Timestamp); err != nil {
			return nil, syncerr.Storage("list journal", err)
		}
		e.SubjectID = subject.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, syncerr.Storage("list journal", rows.Err())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
