// Package radar detects new mail cheaply by sampling the mail store's
// index for its maximum row identifier, without ever touching message
// bodies. It never performs a mailbox-scope scan.
package radar

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/maildocsync/maildocsync/internal/model"
)

// Radar observes the mail store's envelope index for newly appeared
// messages. It holds no connection: each query opens a fresh read-only
// one (see open), since the index file itself is owned and written by
// the mail application.
type Radar struct {
	dbPath    string
	mailboxes []string
}

// New constructs a Radar watching the given mailbox names. If dbPath is
// empty, the standard macOS Mail.app envelope index location is
// discovered automatically.
func New(dbPath string, mailboxes []string) (*Radar, error) {
	if dbPath == "" {
		found, err := FindEnvelopeIndex()
		if err != nil {
			return nil, err
		}
		dbPath = found
	}
	return &Radar{dbPath: dbPath, mailboxes: mailboxes}, nil
}

// FindEnvelopeIndex locates the newest Mail.app "Envelope Index" SQLite
// database under ~/Library/Mail/V*/MailData, preferring the
// highest-numbered version directory.
func FindEnvelopeIndex() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	mailBase := filepath.Join(home, "Library", "Mail")
	entries, err := os.ReadDir(mailBase)
	if err != nil {
		return "", fmt.Errorf("reading mail directory %s: %w", mailBase, err)
	}

	type versionDir struct {
		name string
		n    int
	}
	var versions []versionDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "V") {
			continue
		}
		n, err := strconv.Atoi(e.Name()[1:])
		if err != nil {
			continue
		}
		versions = append(versions, versionDir{name: e.Name(), n: n})
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no Mail version directories (V*) found under %s", mailBase)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].n > versions[j].n })

	dbPath := filepath.Join(mailBase, versions[0].name, "MailData", "Envelope Index")
	if _, err := os.Stat(dbPath); err != nil {
		return "", fmt.Errorf("envelope index not found at %s: %w", dbPath, err)
	}
	return dbPath, nil
}

// open returns a fresh read-only connection to the envelope index. The
// index is opened anew per call rather than held, since the mail
// application may replace the file out from under a long-lived handle.
// _pragma=busy_timeout(...) is modernc.org/sqlite's DSN pragma syntax;
// the mattn/go-sqlite3 _busy_timeout query param this driver does not
// recognize is silently ignored by SQLite's URI parser rather than
// erroring, so using the wrong spelling here is a no-op, not a failure.
func (r *Radar) open() (*sqlx.DB, error) {
	uri := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", url.PathEscape(r.dbPath))
	db, err := sqlx.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("opening envelope index: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// busyRetryBudget bounds retries against transient SQLITE_BUSY /
// "database is locked" errors raised while the mail application holds
// the envelope index open for a write of its own.
const busyRetryBudget = 3

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs fn, retrying up to busyRetryBudget times with a
// short linear backoff when fn fails with a transient busy error.
func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetryBudget; attempt++ {
		err = fn()
		if err == nil || !isBusyErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

// mailboxFilter builds the SQL WHERE fragment restricting rows to the
// configured mailboxes, matched against the mail store's percent-encoded
// mailbox URL column. An empty mailbox list matches everything.
func (r *Radar) mailboxFilter() (string, []interface{}) {
	if len(r.mailboxes) == 0 {
		return "1=1", nil
	}
	var conds []string
	var args []interface{}
	for _, mb := range r.mailboxes {
		conds = append(conds, "mb.url LIKE ?")
		args = append(args, "%"+mb+"%")
		if encoded := url.QueryEscape(mb); encoded != mb {
			conds = append(conds, "mb.url LIKE ?")
			args = append(args, "%"+encoded+"%")
		}
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

// CurrentMaxRowID returns the largest ROWID among non-deleted messages
// in the configured mailboxes, or 0 if there are none. An index that
// cannot be opened or queried is reported as an error.
func (r *Radar) CurrentMaxRowID(ctx context.Context) (int64, error) {
	var maxID int64
	err := withBusyRetry(ctx, func() error {
		db, err := r.open()
		if err != nil {
			return err
		}
		defer db.Close()

		filter, args := r.mailboxFilter()
		query := fmt.Sprintf(`
			SELECT COALESCE(MAX(m.ROWID), 0) FROM messages m
			LEFT JOIN mailboxes mb ON m.mailbox = mb.ROWID
			WHERE m.deleted = 0 AND %s`, filter)

		return db.GetContext(ctx, &maxID, query, args...)
	})
	if err != nil {
		return 0, fmt.Errorf("querying max row id: %w", err)
	}
	return maxID, nil
}

// NewRowsSince returns metadata for every non-deleted message with
// ROWID > lastMax, strictly ascending by internal_id.
func (r *Radar) NewRowsSince(ctx context.Context, lastMax int64) ([]model.DetectedMeta, error) {
	var out []model.DetectedMeta
	err := withBusyRetry(ctx, func() error {
		out = nil

		db, err := r.open()
		if err != nil {
			return err
		}
		defer db.Close()

		filter, args := r.mailboxFilter()
		query := fmt.Sprintf(`
			SELECT
				m.ROWID AS internal_id,
				COALESCE(s.subject, '') AS subject,
				COALESCE(a.address, '') AS sender_address,
				COALESCE(a.comment, '') AS sender_display,
				m.date_received AS date_received,
				m.read AS is_read,
				m.flagged AS is_flagged,
				COALESCE(mb.url, '') AS mailbox_url
			FROM messages m
			LEFT JOIN mailboxes mb ON m.mailbox = mb.ROWID
			LEFT JOIN subjects s ON m.subject = s.ROWID
			LEFT JOIN addresses a ON m.sender = a.ROWID
			WHERE m.deleted = 0 AND m.ROWID > ? AND %s
			ORDER BY m.ROWID ASC`, filter)

		allArgs := append([]interface{}{lastMax}, args...)
		rows, err := db.QueryxContext(ctx, query, allArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				internalID    int64
				subject       string
				senderAddress string
				senderDisplay string
				dateReceived  sql.NullInt64
				isRead        int
				isFlagged     int
				mailboxURL    string
			)
			if err := rows.Scan(&internalID, &subject, &senderAddress, &senderDisplay,
				&dateReceived, &isRead, &isFlagged, &mailboxURL); err != nil {
				return fmt.Errorf("scanning detected row: %w", err)
			}

			out = append(out, model.DetectedMeta{
				InternalID:    internalID,
				Subject:       subject,
				SenderAddress: senderAddress,
				SenderDisplay: senderDisplay,
				DateReceived:  coreDataTimeToTime(dateReceived.Int64),
				IsRead:        isRead != 0,
				IsFlagged:     isFlagged != 0,
				Mailbox:       decodeMailboxName(mailboxURL),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("querying new rows since %d: %w", lastMax, err)
	}
	return out, nil
}

// coreDataEpoch is the reference instant (2001-01-01 UTC) that
// Mail.app's envelope index stores date_received relative to, a holdover
// from the underlying Core Data store.
var coreDataEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

func coreDataTimeToTime(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return coreDataEpoch.Add(time.Duration(seconds) * time.Second)
}

// decodeMailboxName turns the mail store's percent-encoded mailbox URL
// path (e.g. "imap://user@host/INBOX" or a URL-encoded non-ASCII name)
// into a human-meaningful mailbox name: the final path segment,
// percent-decoded.
func decodeMailboxName(mailboxURL string) string {
	if mailboxURL == "" {
		return ""
	}
	segments := strings.Split(strings.TrimRight(mailboxURL, "/"), "/")
	last := segments[len(segments)-1]
	if decoded, err := url.QueryUnescape(last); err == nil {
		return decoded
	}
	return last
}
