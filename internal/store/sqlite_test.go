package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildocsync/maildocsync/internal/model"
	"github.com/maildocsync/maildocsync/tests/testutil"
)

func TestUpsertOnDetectIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	meta := model.DetectedMeta{
		InternalID:    1,
		Subject:       "hello",
		SenderAddress: "a@example.com",
		DateReceived:  time.Now(),
		Mailbox:       "INBOX",
	}

	require.NoError(t, s.UpsertOnDetect(ctx, meta))
	require.NoError(t, s.UpsertOnDetect(ctx, meta))

	msg, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, model.StatusPending, msg.SyncStatus)
}

func TestUpdateAfterFetchTransitionsToFetched(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertOnDetect(ctx, model.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))

	hdr := model.HeaderSummary{
		MessageID: "<abc@example.com>",
		Subject:   "hi",
		Sender:    "a@example.com",
		Date:      time.Now(),
	}
	require.NoError(t, s.UpdateAfterFetch(ctx, 1, hdr, "<root@example.com>"))

	msg, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetched, msg.SyncStatus)
	assert.Equal(t, "<abc@example.com>", msg.MessageID)
	assert.Equal(t, "<root@example.com>", msg.ThreadID)

	found, err := s.FindByMessageID(ctx, "<abc@example.com>")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(1), found.InternalID)
}

func TestMarkFetchFailedSchedulesBackoffThenDeadLetters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertOnDetect(ctx, model.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))

	const maxRetries = 2

	require.NoError(t, s.MarkFetchFailed(ctx, 1, "timeout", maxRetries))
	msg, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetchFailed, msg.SyncStatus)
	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)

	require.NoError(t, s.MarkFetchFailed(ctx, 1, "timeout again", maxRetries))
	msg, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadLetter, msg.SyncStatus)
	assert.Equal(t, 2, msg.RetryCount)
}

func TestReadyForRetryRespectsNextRetryAt(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertOnDetect(ctx, model.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))
	require.NoError(t, s.MarkFetchFailed(ctx, 1, "timeout", 5))

	past := time.Now().Add(-time.Hour)
	ready, err := s.ReadyForRetry(ctx, 10, past)
	require.NoError(t, err)
	assert.Empty(t, ready)

	future := time.Now().Add(24 * time.Hour)
	ready, err = s.ReadyForRetry(ctx, 10, future)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, int64(1), ready[0].InternalID)
}

func TestClearRetryResetsToPending(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertOnDetect(ctx, model.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))
	require.NoError(t, s.MarkFetchFailed(ctx, 1, "timeout", 1))

	msg, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusDeadLetter, msg.SyncStatus)

	require.NoError(t, s.ClearRetry(ctx, 1))
	msg, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, msg.SyncStatus)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Nil(t, msg.NextRetryAt)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	n, err := s.GetLastMaxRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, s.SetLastMaxRowID(ctx, 42))
	n, err = s.GetLastMaxRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	require.NoError(t, s.SetLastMaxRowID(ctx, 57))
	n, err = s.GetLastMaxRowID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(57), n)
}

func TestUnresolvableAnchorNegativeCache(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	known, err := s.IsUnresolvableAnchor(ctx, "<root@example.com>")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, s.RememberUnresolvableAnchor(ctx, "<root@example.com>"))
	known, err = s.IsUnresolvableAnchor(ctx, "<root@example.com>")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestStatusCounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertOnDetect(ctx, model.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))
	require.NoError(t, s.UpsertOnDetect(ctx, model.DetectedMeta{InternalID: 2, DateReceived: time.Now()}))
	require.NoError(t, s.MarkSkipped(ctx, 2, "before sync horizon"))

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])
	assert.Equal(t, 1, counts[model.StatusSkipped])
}
