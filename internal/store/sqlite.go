package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/maildocsync/maildocsync/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
// All access is serialized through the single *sqlx.DB connection pool;
// the Scheduler is the only writer, so no additional locking is required.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single-writer daemon never needs more than one open connection;
	// capping it avoids SQLITE_BUSY churn under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertOnDetect inserts a record keyed by InternalID with status pending.
// Idempotent: a conflict on internal_id leaves the existing row untouched,
// since the Radar may re-observe a row across restarts before its
// checkpoint (sync_state.last_max_row_id) is advanced.
func (s *SQLiteStore) UpsertOnDetect(ctx context.Context, meta model.DetectedMeta) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			internal_id, subject, sender_address, sender_display,
			date_received, mailbox, is_read, is_flagged,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(internal_id) DO NOTHING`,
		meta.InternalID, meta.Subject, meta.SenderAddress, meta.SenderDisplay,
		meta.DateReceived.UTC(), meta.Mailbox, boolToInt(meta.IsRead), boolToInt(meta.IsFlagged),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting detected message %d: %w", meta.InternalID, err)
	}
	return nil
}

// UpdateAfterFetch overwrites header-derived columns with Fetcher-supplied
// values and transitions status to fetched.
func (s *SQLiteStore) UpdateAfterFetch(ctx context.Context, internalID int64, hdr model.HeaderSummary, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			message_id = ?, thread_id = ?, subject = ?,
			sender_address = ?, sender_display = ?, date_received = ?,
			to_list = ?, cc_list = ?, is_read = ?, is_flagged = ?,
			sync_status = 'fetched', last_error = NULL, updated_at = ?
		WHERE internal_id = ?`,
		nullableString(hdr.MessageID), nullableString(threadID), hdr.Subject,
		hdr.Sender, hdr.SenderDisplay, hdr.Date.UTC(),
		hdr.To, hdr.Cc, boolToInt(hdr.IsRead), boolToInt(hdr.IsFlagged),
		time.Now().UTC(), internalID,
	)
	if err != nil {
		return fmt.Errorf("updating message %d after fetch: %w", internalID, err)
	}
	return nil
}

// MarkSynced records terminal success.
func (s *SQLiteStore) MarkSynced(ctx context.Context, internalID int64, remotePageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			sync_status = 'synced', remote_page_id = ?, last_error = NULL,
			next_retry_at = NULL, updated_at = ?
		WHERE internal_id = ?`,
		remotePageID, time.Now().UTC(), internalID,
	)
	if err != nil {
		return fmt.Errorf("marking message %d synced: %w", internalID, err)
	}
	return nil
}

// MarkFetchFailed increments retry_count and schedules a retry, or
// transitions to dead_letter once retry_count reaches maxRetries.
func (s *SQLiteStore) MarkFetchFailed(ctx context.Context, internalID int64, reason string, maxRetries int) error {
	return s.markRetryable(ctx, internalID, reason, maxRetries, model.StatusFetchFailed)
}

// MarkFailed is the projection-stage analog of MarkFetchFailed.
func (s *SQLiteStore) MarkFailed(ctx context.Context, internalID int64, reason string, maxRetries int) error {
	return s.markRetryable(ctx, internalID, reason, maxRetries, model.StatusFailed)
}

func (s *SQLiteStore) markRetryable(ctx context.Context, internalID int64, reason string, maxRetries int, retryStatus model.SyncStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	if err := tx.GetContext(ctx, &retryCount, "SELECT retry_count FROM messages WHERE internal_id = ?", internalID); err != nil {
		return fmt.Errorf("reading retry_count for message %d: %w", internalID, err)
	}
	retryCount++

	now := time.Now().UTC()
	status := retryStatus
	var nextRetryAt *time.Time
	if retryCount >= maxRetries {
		status = model.StatusDeadLetter
	} else {
		t := now.Add(model.BackoffFor(retryCount))
		nextRetryAt = &t
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET
			sync_status = ?, last_error = ?, retry_count = ?,
			next_retry_at = ?, updated_at = ?
		WHERE internal_id = ?`,
		status, reason, retryCount, nextRetryAt, now, internalID,
	)
	if err != nil {
		return fmt.Errorf("marking message %d %s: %w", internalID, status, err)
	}

	return tx.Commit()
}

// MarkSkipped is a terminal transition used when a message's date
// precedes the configured sync horizon.
func (s *SQLiteStore) MarkSkipped(ctx context.Context, internalID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			sync_status = 'skipped', last_error = ?, updated_at = ?
		WHERE internal_id = ?`,
		reason, time.Now().UTC(), internalID,
	)
	if err != nil {
		return fmt.Errorf("marking message %d skipped: %w", internalID, err)
	}
	return nil
}

// ReadyForRetry returns records with status in {fetch_failed, failed}
// whose NextRetryAt has arrived, oldest first, bounded by limit.
func (s *SQLiteStore) ReadyForRetry(ctx context.Context, limit int, now time.Time) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM messages
		WHERE sync_status IN ('fetch_failed', 'failed')
		  AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY internal_id ASC
		LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ready-for-retry messages: %w", err)
	}
	return scanMessages(rows)
}

// FetchedPending returns records with status fetched, awaiting projection.
func (s *SQLiteStore) FetchedPending(ctx context.Context) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM messages WHERE sync_status = 'fetched' ORDER BY internal_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying fetched messages: %w", err)
	}
	return scanMessages(rows)
}

// Pending returns records with status pending, ordered by ascending
// InternalID.
func (s *SQLiteStore) Pending(ctx context.Context) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM messages WHERE sync_status = 'pending' ORDER BY internal_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pending messages: %w", err)
	}
	return scanMessages(rows)
}

// FindByMessageID looks up a record by its RFC 5322 Message-ID.
func (s *SQLiteStore) FindByMessageID(ctx context.Context, messageID string) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM messages WHERE message_id = ?", messageID)
	msg, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding message by message_id %s: %w", messageID, err)
	}
	return &msg, nil
}

// Get retrieves a single record by InternalID.
func (s *SQLiteStore) Get(ctx context.Context, internalID int64) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM messages WHERE internal_id = ?", internalID)
	msg, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting message %d: %w", internalID, err)
	}
	return &msg, nil
}

// GetLastMaxRowID returns the Radar's checkpoint, or 0 if none recorded.
func (s *SQLiteStore) GetLastMaxRowID(ctx context.Context) (int64, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM sync_state WHERE key = 'last_max_row_id'")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading last_max_row_id: %w", err)
	}
	var n int64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing last_max_row_id %q: %w", value, err)
	}
	return n, nil
}

// SetLastMaxRowID persists the Radar's checkpoint.
func (s *SQLiteStore) SetLastMaxRowID(ctx context.Context, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES ('last_max_row_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", n),
	)
	if err != nil {
		return fmt.Errorf("setting last_max_row_id: %w", err)
	}
	return nil
}

// RememberUnresolvableAnchor records a thread whose anchor could not be
// resolved, so later messages in the thread skip straight to the
// fallback anchor instead of repeating the lookup.
func (s *SQLiteStore) RememberUnresolvableAnchor(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unresolvable_anchors (thread_id, created_at) VALUES (?, ?)
		ON CONFLICT(thread_id) DO NOTHING`,
		threadID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("remembering unresolvable anchor %s: %w", threadID, err)
	}
	return nil
}

// IsUnresolvableAnchor reports whether threadID was previously recorded
// as having no resolvable anchor.
func (s *SQLiteStore) IsUnresolvableAnchor(ctx context.Context, threadID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM unresolvable_anchors WHERE thread_id = ?", threadID)
	if err != nil {
		return false, fmt.Errorf("checking unresolvable anchor %s: %w", threadID, err)
	}
	return count > 0, nil
}

// Delete removes a record (used for duplicates or vanished messages).
func (s *SQLiteStore) Delete(ctx context.Context, internalID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE internal_id = ?", internalID)
	if err != nil {
		return fmt.Errorf("deleting message %d: %w", internalID, err)
	}
	return nil
}

// StatusCounts returns the number of records per sync_status.
func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT sync_status, COUNT(*) FROM messages GROUP BY sync_status")
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count row: %w", err)
		}
		counts[model.SyncStatus(status)] = count
	}
	return counts, rows.Err()
}

// ClearRetry immediately makes a dead-lettered or deferred record
// eligible for retry, used by the requeue CLI subcommand. The record is
// reset to pending so it re-enters the pipeline from the top.
func (s *SQLiteStore) ClearRetry(ctx context.Context, internalID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			sync_status = 'pending', retry_count = 0, next_retry_at = NULL,
			last_error = NULL, updated_at = ?
		WHERE internal_id = ?`,
		time.Now().UTC(), internalID,
	)
	if err != nil {
		return fmt.Errorf("clearing retry state for message %d: %w", internalID, err)
	}
	return nil
}

// scanMessages scans every row of a `SELECT * FROM messages` result,
// relying on the positional column order defined in migrations.go.
func scanMessages(rows *sqlx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		msg, err := scanMessageScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessageRow(row *sqlx.Row) (model.Message, error) {
	return scanMessageScanner(row)
}

func scanMessageScanner(r rowScanner) (model.Message, error) {
	var (
		msg            model.Message
		messageID      sql.NullString
		threadID       sql.NullString
		remotePageID   sql.NullString
		lastError      sql.NullString
		nextRetryAt    sql.NullTime
		isRead         int
		isFlagged      int
		hasAttachments int
		syncStatus     string
	)

	err := r.Scan(
		&msg.InternalID, &messageID, &threadID,
		&msg.Subject, &msg.SenderAddress, &msg.SenderDisplay,
		&msg.ToList, &msg.CcList, &msg.DateReceived, &msg.Mailbox,
		&isRead, &isFlagged, &hasAttachments,
		&syncStatus, &remotePageID, &lastError,
		&msg.RetryCount, &nextRetryAt, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.MessageID = messageID.String
	msg.ThreadID = threadID.String
	msg.RemotePageID = remotePageID.String
	msg.LastError = lastError.String
	msg.IsRead = isRead != 0
	msg.IsFlagged = isFlagged != 0
	msg.HasAttachments = hasAttachments != 0
	msg.SyncStatus = model.SyncStatus(syncStatus)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		msg.NextRetryAt = &t
	}

	return msg, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
