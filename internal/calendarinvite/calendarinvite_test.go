package calendarinvite

import (
	"strings"
	"testing"
)

const sampleInvite = `BEGIN:VCALENDAR
METHOD:REQUEST
BEGIN:VEVENT
UID:abc-123@example.com
DTSTART:20260115T140000
DTEND:20260115T150000
SUMMARY:Quarterly Sync
ORGANIZER;CN=Jane Doe:mailto:jane@example.com
ATTENDEE;CN=John Smith:mailto:john@example.com
DESCRIPTION:Join here: https://teams.microsoft.com/l/meetup-join/abc123\n
 Meeting ID: 123 456 789 0\nPasscode: xYz12a
SEQUENCE:0
END:VEVENT
END:VCALENDAR`

func TestParseExtractsInviteFields(t *testing.T) {
	inv, err := Parse(sampleInvite)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if inv == nil {
		t.Fatal("expected non-nil invite")
	}
	if inv.UID != "abc-123@example.com" {
		t.Errorf("UID = %q", inv.UID)
	}
	if inv.Summary != "Quarterly Sync" {
		t.Errorf("Summary = %q", inv.Summary)
	}
	if inv.Start.IsZero() || inv.End.IsZero() {
		t.Error("expected non-zero start/end")
	}
	if !strings.Contains(inv.JoinURL, "teams.microsoft.com") {
		t.Errorf("JoinURL = %q", inv.JoinURL)
	}
	if inv.MeetingID == "" {
		t.Error("expected meeting id to be extracted")
	}
	if inv.Passcode != "xYz12a" {
		t.Errorf("Passcode = %q", inv.Passcode)
	}
	if len(inv.Attendees) != 1 || inv.Attendees[0].Email != "john@example.com" {
		t.Errorf("Attendees = %+v", inv.Attendees)
	}
}

func TestParseMissingUIDReturnsNil(t *testing.T) {
	inv, err := Parse("BEGIN:VCALENDAR\nDTSTART:20260115T140000\nEND:VCALENDAR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv != nil {
		t.Error("expected nil invite when UID is missing")
	}
}

func TestCancelMethodSetsCancelledStatus(t *testing.T) {
	src := strings.Replace(sampleInvite, "METHOD:REQUEST", "METHOD:CANCEL", 1)
	inv, err := Parse(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != StatusCancelled {
		t.Errorf("Status = %q", inv.Status)
	}
}

func TestHasInvite(t *testing.T) {
	if !HasInvite([]byte("Content-Type: text/calendar; method=REQUEST")) {
		t.Error("expected true for text/calendar content type")
	}
	if HasInvite([]byte("Content-Type: text/plain")) {
		t.Error("expected false for plain text")
	}
}
