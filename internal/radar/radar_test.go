package radar

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// newTestEnvelopeIndex builds a throwaway SQLite file mirroring the
// envelope index's minimal schema and populates it with two messages
// in different mailboxes, returning its path.
func newTestEnvelopeIndex(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "Envelope Index")

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening test envelope index: %v", err)
	}
	defer db.Close()

	schema := `
		CREATE TABLE mailboxes (ROWID INTEGER PRIMARY KEY, url TEXT);
		CREATE TABLE subjects (ROWID INTEGER PRIMARY KEY, subject TEXT);
		CREATE TABLE addresses (ROWID INTEGER PRIMARY KEY, address TEXT, comment TEXT);
		CREATE TABLE messages (
			ROWID INTEGER PRIMARY KEY,
			mailbox INTEGER,
			subject INTEGER,
			sender INTEGER,
			date_received INTEGER,
			read INTEGER,
			flagged INTEGER,
			deleted INTEGER
		);
		INSERT INTO mailboxes VALUES (1, 'imap://user@host/INBOX');
		INSERT INTO mailboxes VALUES (2, 'imap://user@host/Archive');
		INSERT INTO subjects VALUES (1, 'hello');
		INSERT INTO subjects VALUES (2, 'archived');
		INSERT INTO addresses VALUES (1, 'a@example.com', 'Alice');
		INSERT INTO addresses VALUES (2, 'b@example.com', 'Bob');
		INSERT INTO messages VALUES (10, 1, 1, 1, 86400, 0, 0, 0);
		INSERT INTO messages VALUES (11, 2, 2, 2, 86400, 1, 0, 0);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("seeding test envelope index: %v", err)
	}
	return dbPath
}

func TestCurrentMaxRowIDAgainstRealDB(t *testing.T) {
	r, err := New(newTestEnvelopeIndex(t), []string{"INBOX"})
	if err != nil {
		t.Fatalf("constructing radar: %v", err)
	}

	maxID, err := r.CurrentMaxRowID(context.Background())
	if err != nil {
		t.Fatalf("CurrentMaxRowID: %v", err)
	}
	if maxID != 10 {
		t.Errorf("expected max row id 10 (INBOX only), got %d", maxID)
	}
}

func TestNewRowsSinceAgainstRealDB(t *testing.T) {
	r, err := New(newTestEnvelopeIndex(t), nil)
	if err != nil {
		t.Fatalf("constructing radar: %v", err)
	}

	rows, err := r.NewRowsSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("NewRowsSince: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 detected rows, got %d", len(rows))
	}
	if rows[0].InternalID != 10 || rows[1].InternalID != 11 {
		t.Errorf("expected ascending internal ids 10, 11; got %d, %d", rows[0].InternalID, rows[1].InternalID)
	}
	if rows[0].Mailbox != "INBOX" {
		t.Errorf("expected mailbox INBOX, got %q", rows[0].Mailbox)
	}
}

func TestIsBusyErrDetectsLockContention(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("querying max row id: SQLITE_BUSY: database is locked"), true},
		{errors.New("database is locked"), true},
		{errors.New("no such table: messages"), false},
	}
	for _, c := range cases {
		if got := isBusyErr(c.err); got != c.want {
			t.Errorf("isBusyErr(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestWithBusyRetryGivesUpAfterBudget(t *testing.T) {
	attempts := 0
	err := withBusyRetry(context.Background(), func() error {
		attempts++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected a persistent busy error to be returned")
	}
	if attempts != busyRetryBudget+1 {
		t.Errorf("expected %d attempts, got %d", busyRetryBudget+1, attempts)
	}
}

func TestWithBusyRetrySucceedsAfterTransientBusy(t *testing.T) {
	attempts := 0
	err := withBusyRetry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestDecodeMailboxName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"imap://user@host/INBOX", "INBOX"},
		{"imap://user@host/INBOX/", "INBOX"},
		{"imap://user@host/%E5%8F%91%E4%BB%B6%E7%AE%B1", "发件箱"},
	}
	for _, c := range cases {
		got := decodeMailboxName(c.in)
		if got != c.want {
			t.Errorf("decodeMailboxName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMailboxFilterEmptyMatchesAll(t *testing.T) {
	r := &Radar{mailboxes: nil}
	filter, args := r.mailboxFilter()
	if filter != "1=1" {
		t.Errorf("expected 1=1 filter for empty mailbox list, got %q", filter)
	}
	if len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}

func TestMailboxFilterBuildsLikeClauses(t *testing.T) {
	r := &Radar{mailboxes: []string{"INBOX"}}
	filter, args := r.mailboxFilter()
	if filter == "" || filter == "1=1" {
		t.Fatalf("expected a LIKE filter, got %q", filter)
	}
	if len(args) == 0 {
		t.Fatalf("expected at least one arg, got none")
	}
}

func TestCoreDataTimeToTime(t *testing.T) {
	if !coreDataTimeToTime(0).IsZero() {
		t.Error("expected zero time for 0 seconds")
	}
	got := coreDataTimeToTime(86400)
	if got.Year() != 2001 || got.Month() != 1 || got.Day() != 2 {
		t.Errorf("expected 2001-01-02, got %v", got)
	}
}
