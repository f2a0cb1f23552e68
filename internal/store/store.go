// Package store provides durable, crash-safe storage of message records
// and scalar checkpoints, and the work-queue semantics by which the
// Scheduler selects what to do next.
package store

import (
	"context"
	"time"

	"github.com/maildocsync/maildocsync/internal/model"
)

// Store defines the persistence interface for the synchronization core.
// The single implementation is SQLiteStore; the interface exists so
// tests can swap in a fake without touching a real database file.
type Store interface {
	// UpsertOnDetect inserts a record keyed by InternalID with status
	// pending, populating columns from the Radar's metadata row.
	// Idempotent: if InternalID already exists, this is a no-op.
	UpsertOnDetect(ctx context.Context, meta model.DetectedMeta) error

	// UpdateAfterFetch overwrites header-derived columns with
	// Fetcher-supplied values, sets MessageID and ThreadID, and
	// transitions status to fetched.
	UpdateAfterFetch(ctx context.Context, internalID int64, hdr model.HeaderSummary, threadID string) error

	// MarkSynced records terminal success.
	MarkSynced(ctx context.Context, internalID int64, remotePageID string) error

	// MarkFetchFailed increments retry_count and schedules a retry, or
	// transitions to dead_letter once retry_count reaches maxRetries.
	MarkFetchFailed(ctx context.Context, internalID int64, reason string, maxRetries int) error

	// MarkFailed is the projection-stage analog of MarkFetchFailed.
	MarkFailed(ctx context.Context, internalID int64, reason string, maxRetries int) error

	// MarkSkipped is a terminal transition used when a message's date
	// precedes the configured sync horizon.
	MarkSkipped(ctx context.Context, internalID int64, reason string) error

	// ReadyForRetry returns records with status in {fetch_failed,
	// failed} whose NextRetryAt has arrived, oldest first, bounded by
	// limit.
	ReadyForRetry(ctx context.Context, limit int, now time.Time) ([]model.Message, error)

	// FetchedPending returns records with status fetched, awaiting
	// projection.
	FetchedPending(ctx context.Context) ([]model.Message, error)

	// Pending returns records with status pending (just detected),
	// ordered by ascending InternalID.
	Pending(ctx context.Context) ([]model.Message, error)

	// FindByMessageID looks up a record by its RFC 5322 Message-ID.
	FindByMessageID(ctx context.Context, messageID string) (*model.Message, error)

	// Get retrieves a single record by InternalID.
	Get(ctx context.Context, internalID int64) (*model.Message, error)

	GetLastMaxRowID(ctx context.Context) (int64, error)
	SetLastMaxRowID(ctx context.Context, n int64) error

	RememberUnresolvableAnchor(ctx context.Context, threadID string) error
	IsUnresolvableAnchor(ctx context.Context, threadID string) (bool, error)

	// Delete removes a record (used for duplicates or vanished
	// messages).
	Delete(ctx context.Context, internalID int64) error

	// StatusCounts returns the number of records per sync_status, used
	// by the `status` CLI subcommand.
	StatusCounts(ctx context.Context) (map[model.SyncStatus]int, error)

	// ClearRetry immediately makes a dead-lettered or deferred record
	// eligible for retry, used by the `requeue` CLI subcommand.
	ClearRetry(ctx context.Context, internalID int64) error

	Close() error
}
