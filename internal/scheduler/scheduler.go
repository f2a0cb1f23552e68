// Package scheduler drives one cooperative, single-threaded sync cycle:
// Radar sweep, pending-message fetch+parse+project, retry processing,
// each poll_interval. It is the only caller of the Fetcher, preserving
// the scripting channel's serialization invariant, and the sole writer
// of the State Store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/maildocsync/maildocsync/internal/calendarinvite"
	"github.com/maildocsync/maildocsync/internal/fetcher"
	"github.com/maildocsync/maildocsync/internal/model"
	"github.com/maildocsync/maildocsync/internal/parser"
	"github.com/maildocsync/maildocsync/internal/projector"
	"github.com/maildocsync/maildocsync/internal/radar"
	"github.com/maildocsync/maildocsync/internal/remote"
	"github.com/maildocsync/maildocsync/internal/store"
)

// ErrAuthFailuresExceeded is returned from Run when consecutive remote
// authentication failures reach the configured threshold; the caller
// should exit the process with code 3.
var ErrAuthFailuresExceeded = errors.New("scheduler: max consecutive auth failures exceeded")

// retryBatchLimit is the default cap on how many ready_for_retry records
// one cycle processes when cfg.MaxRetryPerCycle is unset, so a burst of
// failures can't starve fresh detections.
const retryBatchLimit = 3

// Scheduler owns one sync cycle's worth of orchestration state.
type Scheduler struct {
	cfg       *model.AppConfig
	store     store.Store
	radar     *radar.Radar
	fetcher   *fetcher.Fetcher
	projector *projector.Projector
	limiter   *rate.Limiter
	logger    *slog.Logger

	consecutiveAuthFailures int
	syncStartDate           time.Time
}

// New constructs a Scheduler. logger defaults to slog.Default() when nil.
func New(cfg *model.AppConfig, st store.Store, rd *radar.Radar, fc *fetcher.Fetcher, pj *projector.Projector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	var startDate time.Time
	if cfg.SyncStartDate != "" {
		if t, err := time.Parse("2006-01-02", cfg.SyncStartDate); err == nil {
			startDate = t
		}
	}
	return &Scheduler{
		cfg:           cfg,
		store:         st,
		radar:         rd,
		fetcher:       fc,
		projector:     pj,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RemoteWritesPerSecond), 1),
		logger:        logger,
		syncStartDate: startDate,
	}
}

// Run loops RunCycle at cfg.PollIntervalSec until ctx is cancelled or
// the auth-failure threshold is exceeded.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Error("sync cycle failed", "error", err)
		}

		if s.AuthFailuresExceeded() {
			return ErrAuthFailuresExceeded
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle performs exactly one cycle: Radar sweep → upsert detections
// → drain pending → drain fetched → process ready_for_retry (capped).
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := time.Now()

	if err := s.sweep(ctx); err != nil {
		return fmt.Errorf("radar sweep: %w", err)
	}

	if err := s.drainPending(ctx); err != nil {
		return err
	}

	if err := s.drainFetched(ctx); err != nil {
		return err
	}

	if err := s.processRetries(ctx); err != nil {
		return err
	}

	s.logger.Debug("sync cycle complete", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// sweep asks the Radar for rows observed since the last checkpoint and
// upserts them as pending detections, ascending by internal_id.
func (s *Scheduler) sweep(ctx context.Context) error {
	lastMax, err := s.store.GetLastMaxRowID(ctx)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	detected, err := s.radar.NewRowsSince(ctx, lastMax)
	if err != nil {
		return fmt.Errorf("scanning mail store: %w", err)
	}

	newMax := lastMax
	for _, meta := range detected {
		if err := s.store.UpsertOnDetect(ctx, meta); err != nil {
			return fmt.Errorf("upserting detection %d: %w", meta.InternalID, err)
		}
		if meta.InternalID > newMax {
			newMax = meta.InternalID
		}
	}

	if newMax != lastMax {
		if err := s.store.SetLastMaxRowID(ctx, newMax); err != nil {
			return fmt.Errorf("advancing checkpoint: %w", err)
		}
	}

	if len(detected) > 0 {
		s.logger.Info("detected new messages", "count", len(detected))
	}
	return nil
}

// drainPending fetches, parses, and projects every record in the
// pending state, oldest internal_id first so a thread's anchor message
// is projected ahead of any reply observed in the same cycle.
func (s *Scheduler) drainPending(ctx context.Context) error {
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending records: %w", err)
	}

	for _, msg := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processOne(ctx, msg)
	}
	return nil
}

// drainFetched re-runs fetch, parse and projection for records that
// reached the fetched state in a prior cycle but were not yet projected
// (e.g. the process restarted between fetch and project).
func (s *Scheduler) drainFetched(ctx context.Context) error {
	fetched, err := s.store.FetchedPending(ctx)
	if err != nil {
		return fmt.Errorf("listing fetched records: %w", err)
	}

	for _, msg := range fetched {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fetchAndProject(ctx, msg)
	}
	return nil
}

// processRetries advances up to cfg.MaxRetryPerCycle records (or
// retryBatchLimit when unset) whose next_retry_at has arrived.
func (s *Scheduler) processRetries(ctx context.Context) error {
	limit := s.cfg.MaxRetryPerCycle
	if limit <= 0 {
		limit = retryBatchLimit
	}
	ready, err := s.store.ReadyForRetry(ctx, limit, time.Now())
	if err != nil {
		return fmt.Errorf("listing retry-ready records: %w", err)
	}

	for _, msg := range ready {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processOne(ctx, msg)
	}
	return nil
}

// processOne is the pending/retry entry point: skip-gate by sync
// horizon, then fetch+parse+project.
func (s *Scheduler) processOne(ctx context.Context, msg model.Message) {
	if !s.syncStartDate.IsZero() && msg.DateReceived.Before(s.syncStartDate) {
		if err := s.store.MarkSkipped(ctx, msg.InternalID, "before configured sync_start_date"); err != nil {
			s.logger.Error("marking skipped", "internal_id", msg.InternalID, "error", err)
		}
		return
	}
	s.fetchAndProject(ctx, msg)
}

// fetchAndProject fetches the message's full source, parses it, and
// projects it to the remote
// document database, advancing sync_status at each transition.
func (s *Scheduler) fetchAndProject(ctx context.Context, msg model.Message) {
	hdr, err := s.fetcher.FetchByInternalID(ctx, msg.InternalID, msg.Mailbox)
	if err != nil {
		if errors.Is(err, fetcher.ErrVanished) {
			s.logger.Info("message vanished from mail store", "internal_id", msg.InternalID)
			if delErr := s.store.Delete(ctx, msg.InternalID); delErr != nil {
				s.logger.Error("deleting vanished record", "internal_id", msg.InternalID, "error", delErr)
			}
			return
		}
		s.logger.Warn("fetch failed", "internal_id", msg.InternalID, "error", err)
		if markErr := s.store.MarkFetchFailed(ctx, msg.InternalID, err.Error(), s.maxRetries()); markErr != nil {
			s.logger.Error("marking fetch failure", "internal_id", msg.InternalID, "error", markErr)
		}
		return
	}

	parsed, err := parser.Parse(hdr.Source, hdr.MessageID, parser.Options{
		MaxAttachmentBytes: s.cfg.MaxAttachmentBytes,
		AllowedExtensions:  allowedExtensionSet(s.cfg.AllowedExts()),
	})
	if err != nil {
		s.logger.Warn("parse failed", "internal_id", msg.InternalID, "error", err)
		if markErr := s.store.MarkFailed(ctx, msg.InternalID, "parse: "+err.Error(), s.maxRetries()); markErr != nil {
			s.logger.Error("marking parse failure", "internal_id", msg.InternalID, "error", markErr)
		}
		return
	}

	for _, dropped := range parsed.Dropped {
		s.logger.Warn("dropped attachment part", "internal_id", msg.InternalID, "filename", dropped.Filename, "reason", dropped.Reason)
	}

	if err := s.store.UpdateAfterFetch(ctx, msg.InternalID, hdr, parsed.ThreadID); err != nil {
		s.logger.Error("recording fetch result", "internal_id", msg.InternalID, "error", err)
		return
	}

	msg.MessageID = hdr.MessageID
	msg.ThreadID = parsed.ThreadID
	msg.Subject = hdr.Subject
	msg.SenderAddress = hdr.Sender
	msg.SenderDisplay = hdr.SenderDisplay
	msg.ToList = hdr.To
	msg.CcList = hdr.Cc
	msg.DateReceived = hdr.Date
	msg.IsRead = hdr.IsRead
	msg.IsFlagged = hdr.IsFlagged
	msg.HasAttachments = len(parsed.Attachments) > 0 || len(parsed.InlineImages) > 0

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	result, err := s.projector.ProjectEmail(ctx, msg, parsed)
	if err != nil {
		if remote.IsAuthError(err) {
			s.consecutiveAuthFailures++
			s.logger.Error("remote auth failure", "internal_id", msg.InternalID, "consecutive", s.consecutiveAuthFailures, "error", err)
		} else {
			s.logger.Warn("projection failed", "internal_id", msg.InternalID, "error", err)
		}
		if markErr := s.store.MarkFailed(ctx, msg.InternalID, err.Error(), s.maxRetries()); markErr != nil {
			s.logger.Error("marking projection failure", "internal_id", msg.InternalID, "error", markErr)
		}
		return
	}
	s.consecutiveAuthFailures = 0

	if err := s.store.MarkSynced(ctx, msg.InternalID, result.RemotePageID); err != nil {
		s.logger.Error("recording sync result", "internal_id", msg.InternalID, "error", err)
	}

	if parsed.HasCalendar {
		s.projectCalendar(ctx, parsed)
	}
}

// projectCalendar parses and projects an embedded calendar invite.
// Failures here are logged and swallowed: a calendar-projection problem
// must never undo the email projection that already succeeded.
func (s *Scheduler) projectCalendar(ctx context.Context, parsed *parser.ParsedMessage) {
	inv, err := calendarinvite.Parse(string(parsed.CalendarSource))
	if err != nil || inv == nil {
		if err != nil {
			s.logger.Warn("calendar invite parse failed", "error", err)
		}
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	if _, err := s.projector.ProjectCalendarInvite(ctx, inv); err != nil {
		s.logger.Warn("calendar invite projection failed", "uid", inv.UID, "error", err)
	}
}

func (s *Scheduler) maxRetries() int {
	if s.cfg.MaxRetries > 0 {
		return s.cfg.MaxRetries
	}
	return model.MaxRetriesDefault
}

// ConsecutiveAuthFailures reports the current streak, for the CLI's
// exit-code decision after Run returns.
func (s *Scheduler) ConsecutiveAuthFailures() int {
	return s.consecutiveAuthFailures
}

// AuthFailuresExceeded reports whether the configured threshold has been
// reached, used by Run to stop the loop and by main to pick exit code 3.
func (s *Scheduler) AuthFailuresExceeded() bool {
	threshold := s.cfg.MaxConsecutiveAuthFailures
	if threshold <= 0 {
		threshold = model.MaxRetriesDefault
	}
	return s.consecutiveAuthFailures >= threshold
}

func allowedExtensionSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}
