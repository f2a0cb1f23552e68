package projector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maildocsync/maildocsync/internal/calendarinvite"
	"github.com/maildocsync/maildocsync/internal/fetcher"
	"github.com/maildocsync/maildocsync/internal/model"
	"github.com/maildocsync/maildocsync/internal/parser"
	"github.com/maildocsync/maildocsync/internal/remote"
	"github.com/maildocsync/maildocsync/internal/store"
)

// fakeStore implements store.Store with only the behavior the
// Projector actually touches; every other method is unreachable from
// these tests and panics if called.
type fakeStore struct {
	unresolvable map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{unresolvable: map[string]bool{}} }

func (f *fakeStore) UpsertOnDetect(ctx context.Context, meta model.DetectedMeta) error { panic("unused") }
func (f *fakeStore) UpdateAfterFetch(ctx context.Context, internalID int64, hdr model.HeaderSummary, threadID string) error {
	panic("unused")
}
func (f *fakeStore) MarkSynced(ctx context.Context, internalID int64, remotePageID string) error {
	panic("unused")
}
func (f *fakeStore) MarkFetchFailed(ctx context.Context, internalID int64, reason string, maxRetries int) error {
	panic("unused")
}
func (f *fakeStore) MarkFailed(ctx context.Context, internalID int64, reason string, maxRetries int) error {
	panic("unused")
}
func (f *fakeStore) MarkSkipped(ctx context.Context, internalID int64, reason string) error {
	panic("unused")
}
func (f *fakeStore) ReadyForRetry(ctx context.Context, limit int, now time.Time) ([]model.Message, error) {
	panic("unused")
}
func (f *fakeStore) FetchedPending(ctx context.Context) ([]model.Message, error) { panic("unused") }
func (f *fakeStore) Pending(ctx context.Context) ([]model.Message, error)        { panic("unused") }
func (f *fakeStore) FindByMessageID(ctx context.Context, messageID string) (*model.Message, error) {
	panic("unused")
}
func (f *fakeStore) Get(ctx context.Context, internalID int64) (*model.Message, error) {
	panic("unused")
}
func (f *fakeStore) GetLastMaxRowID(ctx context.Context) (int64, error) { panic("unused") }
func (f *fakeStore) SetLastMaxRowID(ctx context.Context, n int64) error { panic("unused") }
func (f *fakeStore) RememberUnresolvableAnchor(ctx context.Context, threadID string) error {
	f.unresolvable[threadID] = true
	return nil
}
func (f *fakeStore) IsUnresolvableAnchor(ctx context.Context, threadID string) (bool, error) {
	return f.unresolvable[threadID], nil
}
func (f *fakeStore) Delete(ctx context.Context, internalID int64) error { panic("unused") }
func (f *fakeStore) StatusCounts(ctx context.Context) (map[model.SyncStatus]int, error) {
	panic("unused")
}
func (f *fakeStore) ClearRetry(ctx context.Context, internalID int64) error { panic("unused") }
func (f *fakeStore) Close() error                                          { return nil }

var _ store.Store = (*fakeStore)(nil)

func testConfig(baseURL string) *model.AppConfig {
	return &model.AppConfig{
		EmailDatabaseID:         "email-db",
		CalendarDatabaseID:      "cal-db",
		FallbackAnchorMessageID: "fallback@local",
		FallbackAnchorTitle:     "(Unresolved Thread)",
	}
}

func TestProjectEmailIdempotentReturnsExistingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remote.QueryDatabaseResult{Results: []remote.Page{{ID: "existing-page"}}})
	}))
	defer srv.Close()

	rc := remote.NewClient(srv.URL, "token")
	p := New(newFakeStore(), rc, fetcher.New("Inbox", 5*time.Second), testConfig(srv.URL))

	msg := model.Message{InternalID: 1, MessageID: "<a@b>", Subject: "hi"}
	res, err := p.ProjectEmail(context.Background(), msg, &parser.ParsedMessage{})
	if err != nil {
		t.Fatalf("ProjectEmail: %v", err)
	}
	if res.RemotePageID != "existing-page" || res.Created {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProjectEmailCreatesPageWithProperties(t *testing.T) {
	var createBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/databases/email-db/query":
			json.NewEncoder(w).Encode(remote.QueryDatabaseResult{Results: nil})
		case r.Method == http.MethodPost && r.URL.Path == "/pages":
			json.NewDecoder(r.Body).Decode(&createBody)
			json.NewEncoder(w).Encode(map[string]string{"id": "new-page"})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	rc := remote.NewClient(srv.URL, "token")
	p := New(newFakeStore(), rc, fetcher.New("Inbox", 5*time.Second), testConfig(srv.URL))

	msg := model.Message{
		InternalID:    2,
		MessageID:     "<msg2@b>",
		Subject:       "Quarterly report",
		SenderAddress: "alice@example.com",
		DateReceived:  time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
	}
	parsed := &parser.ParsedMessage{BodyHTML: "<p>Hello team</p>"}

	res, err := p.ProjectEmail(context.Background(), msg, parsed)
	if err != nil {
		t.Fatalf("ProjectEmail: %v", err)
	}
	if res.RemotePageID != "new-page" || !res.Created {
		t.Errorf("unexpected result: %+v", res)
	}
	props, ok := createBody["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("no properties in request body: %+v", createBody)
	}
	if _, ok := props["Subject"]; !ok {
		t.Error("expected Subject property")
	}
	if _, ok := props["Message ID"]; !ok {
		t.Error("expected Message ID property")
	}
}

func TestResolveAnchorUsesNegativeCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method == http.MethodPost && r.URL.Path == "/pages" {
			json.NewEncoder(w).Encode(map[string]string{"id": "fallback-page"})
			return
		}
		json.NewEncoder(w).Encode(remote.QueryDatabaseResult{Results: nil})
	}))
	defer srv.Close()

	rc := remote.NewClient(srv.URL, "token")
	fs := newFakeStore()
	fs.unresolvable["<thread@x>"] = true

	cfg := testConfig(srv.URL)
	p := New(fs, rc, fetcher.New("Inbox", 5*time.Second), cfg)

	id := p.resolveAnchor(context.Background(), "<thread@x>", "Inbox")
	if id == "" {
		t.Error("expected a fallback anchor id")
	}
}

func TestProjectCalendarInviteUpdatesExisting(t *testing.T) {
	var sawPatch bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/databases/cal-db/query":
			json.NewEncoder(w).Encode(remote.QueryDatabaseResult{Results: []remote.Page{{ID: "event-page"}}})
		case r.Method == http.MethodPatch:
			sawPatch = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	rc := remote.NewClient(srv.URL, "token")
	p := New(newFakeStore(), rc, fetcher.New("Inbox", 5*time.Second), testConfig(srv.URL))

	inv := &calendarinvite.Invite{UID: "evt-1", Summary: "Sync", Status: calendarinvite.StatusConfirmed, Start: time.Now()}
	res, err := p.ProjectCalendarInvite(context.Background(), inv)
	if err != nil {
		t.Fatalf("ProjectCalendarInvite: %v", err)
	}
	if res.Created || res.RemotePageID != "event-page" {
		t.Errorf("unexpected result: %+v", res)
	}
	if !sawPatch {
		t.Error("expected a PATCH to update the existing event")
	}
}
