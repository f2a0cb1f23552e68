// Package fetcher obtains the full RFC 5322 source and authoritative
// header summary for exactly one message via the mail store's scripting
// channel (osascript driving Mail.app), serialized to a single
// in-flight request since the host application is known to become
// unresponsive under concurrent scripting load.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/maildocsync/maildocsync/internal/model"
)

// separator delimits fields in the scripting channel's plain-text
// return value, matching the pattern the mail store's scripting arm
// uses to avoid a slower property-list round trip.
const separator = "{{SEP}}"

// ErrVanished is returned when the scripting channel reports that the
// identified message no longer exists; the caller should delete the
// record rather than retry.
var ErrVanished = errors.New("fetcher: message vanished from mail store")

// ScriptRunner executes an AppleScript program and returns its trimmed
// standard output. It exists so tests can substitute a fake without
// shelling out to osascript.
type ScriptRunner interface {
	Run(ctx context.Context, script string) (string, error)
}

// osascriptRunner invokes the real `osascript` binary.
type osascriptRunner struct{}

func (osascriptRunner) Run(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("osascript timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("osascript failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Fetcher drives the scripting channel for one configured mail account.
// Every exported method serializes on mu: at most one outstanding
// scripting request is in flight at a time. sf additionally collapses
// duplicate concurrent requests for the same key (internal id or
// message id within a mailbox) into a single scripting round trip, so a
// caller racing the Scheduler's own lookup for the same message waits
// for that in-flight result instead of queuing a second one behind mu.
type Fetcher struct {
	mu          sync.Mutex
	sf          singleflight.Group
	runner      ScriptRunner
	accountName string
	timeout     time.Duration
}

// New constructs a Fetcher for the given Mail.app account name, bounding
// every scripting invocation to timeout.
func New(accountName string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		runner:      osascriptRunner{},
		accountName: accountName,
		timeout:     timeout,
	}
}

// WithRunner overrides the ScriptRunner, for tests.
func (f *Fetcher) WithRunner(r ScriptRunner) *Fetcher {
	f.runner = r
	return f
}

// FetchByInternalID retrieves the message with the given mail-store
// internal identifier within mailbox, by an id predicate rather than
// positional indexing. Integer-keyed lookup is the sole steady-state
// path: selecting by id is roughly two orders of magnitude faster than
// a linear message-id scan on large mailboxes.
func (f *Fetcher) FetchByInternalID(ctx context.Context, internalID int64, mailbox string) (model.HeaderSummary, error) {
	key := fmt.Sprintf("id:%s:%d", mailbox, internalID)
	v, err, _ := f.sf.Do(key, func() (interface{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		script := f.fetchByIndexScript(internalID, mailbox)
		out, err := f.runner.Run(runCtx, script)
		if err != nil {
			return model.HeaderSummary{}, err
		}
		return f.parseRecord(out)
	})
	if err != nil {
		return model.HeaderSummary{}, err
	}
	return v.(model.HeaderSummary), nil
}

// FetchByMessageID performs the slower, linear-scan scripting lookup by
// Message-ID string. The Projector uses this only for the rare,
// tightly-scoped thread-anchor resolution case; it must never be used
// in the steady-state detection path.
func (f *Fetcher) FetchByMessageID(ctx context.Context, messageID string, mailbox string) (model.HeaderSummary, error) {
	key := fmt.Sprintf("mid:%s:%s", mailbox, messageID)
	v, err, _ := f.sf.Do(key, func() (interface{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		script := f.fetchByMessageIDScript(messageID, mailbox)
		out, err := f.runner.Run(runCtx, script)
		if err != nil {
			return model.HeaderSummary{}, err
		}
		return f.parseRecord(out)
	})
	if err != nil {
		return model.HeaderSummary{}, err
	}
	return v.(model.HeaderSummary), nil
}

func (f *Fetcher) parseRecord(out string) (model.HeaderSummary, error) {
	if out == "" || strings.HasPrefix(out, "VANISHED") {
		return model.HeaderSummary{}, ErrVanished
	}

	parts := strings.Split(out, separator)
	if len(parts) < 8 {
		return model.HeaderSummary{}, fmt.Errorf("fetcher: malformed scripting channel record: %d fields", len(parts))
	}

	date, _ := time.Parse("2006-01-02T15:04:05", parts[3])
	isRead := strings.EqualFold(parts[4], "true")
	isFlagged := strings.EqualFold(parts[5], "true")

	return model.HeaderSummary{
		MessageID:     strings.TrimSpace(parts[0]),
		Subject:       parts[1],
		Sender:        parts[2],
		SenderDisplay: parts[2],
		Date:          date,
		To:            parts[6],
		Cc:            parts[7],
		IsRead:        isRead,
		IsFlagged:     isFlagged,
		Source:        []byte(strings.Join(parts[8:], separator)),
	}, nil
}

// fetchByIndexScript builds the AppleScript program selecting the
// message whose mail store id is internalID within mailbox and
// returning its header fields plus raw source, separator-joined. This
// must stay an id-based predicate, not positional indexing: internalID
// is the mail store's ROWID, unrelated to a message's current position
// in the mailbox listing.
func (f *Fetcher) fetchByIndexScript(internalID int64, mailbox string) string {
	return fmt.Sprintf(`
tell application "Mail"
	tell account "%s"
		tell mailbox "%s"
			try
				set theMessage to first message of mailbox "%s" whose id is %d
				set msgId to message id of theMessage
				set msgSubject to subject of theMessage
				set msgSender to sender of theMessage
				set msgDate to date received of theMessage
				set msgTo to ""
				set msgCc to ""
				try
					set msgTo to content of header "To" of theMessage
				end try
				try
					set msgCc to content of header "Cc" of theMessage
				end try
				set msgSource to source of theMessage
				return msgId & "%s" & msgSubject & "%s" & msgSender & "%s" & (msgDate as string) & "%s" & (read status of theMessage as string) & "%s" & (flagged status of theMessage as string) & "%s" & msgTo & "%s" & msgCc & "%s" & msgSource
			on error
				return "VANISHED"
			end try
		end tell
	end tell
end tell`,
		escapeForAppleScript(f.accountName), escapeForAppleScript(mailbox), escapeForAppleScript(mailbox), internalID,
		separator, separator, separator, separator, separator, separator, separator, separator)
}

func (f *Fetcher) fetchByMessageIDScript(messageID string, mailbox string) string {
	return fmt.Sprintf(`
tell application "Mail"
	tell account "%s"
		tell mailbox "%s"
			try
				set theMessage to first message whose message id is "%s"
				set msgId to message id of theMessage
				set msgSubject to subject of theMessage
				set msgSender to sender of theMessage
				set msgDate to date received of theMessage
				set msgTo to ""
				set msgCc to ""
				try
					set msgTo to content of header "To" of theMessage
				end try
				try
					set msgCc to content of header "Cc" of theMessage
				end try
				set msgSource to source of theMessage
				return msgId & "%s" & msgSubject & "%s" & msgSender & "%s" & (msgDate as string) & "%s" & (read status of theMessage as string) & "%s" & (flagged status of theMessage as string) & "%s" & msgTo & "%s" & msgCc & "%s" & msgSource
			on error
				return "VANISHED"
			end try
		end tell
	end tell
end tell`,
		escapeForAppleScript(f.accountName), escapeForAppleScript(mailbox), escapeForAppleScript(messageID),
		separator, separator, separator, separator, separator, separator, separator, separator)
}

// escapeForAppleScript neutralizes characters that would break out of an
// AppleScript double-quoted string literal.
func escapeForAppleScript(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `"`, `\"`)
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.ReplaceAll(text, "\t", " ")
	return text
}

