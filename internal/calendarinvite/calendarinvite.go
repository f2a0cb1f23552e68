// Package calendarinvite extracts meeting invitations from the
// text/calendar MIME part of a message, including well-known
// conferencing links embedded in the invite's free-text description.
package calendarinvite

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status mirrors the handful of iCalendar STATUS/METHOD values the
// Projector cares about.
type Status string

const (
	StatusTentative Status = "tentative"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Attendee is one ATTENDEE line from the invite.
type Attendee struct {
	Name  string
	Email string
}

// Invite is a parsed VEVENT, keyed by its UID so that a reschedule
// (a later message carrying the same UID with a higher Sequence)
// updates the same calendar page instead of creating a duplicate.
type Invite struct {
	UID         string
	Method      string
	Summary     string
	Start       time.Time
	End         time.Time
	Location    string
	Description string
	Organizer   string
	OrganizerEmail string
	Attendees   []Attendee
	Status      Status
	Sequence    int
	IsAllDay    bool

	JoinURL    string
	MeetingID  string
	Passcode   string
}

var (
	joinURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https://teams\.microsoft\.com/l/meetup-join/[^\s<>"']+`),
		regexp.MustCompile(`https://teams\.microsoft\.com/meet/\d+\?p=[A-Za-z0-9]+`),
		regexp.MustCompile(`https://[^\s<>"']*safelinks\.protection\.outlook\.com/[^\s<>"']+`),
		regexp.MustCompile(`https://[a-zA-Z0-9.-]*zoom\.us/j/[^\s<>"']+`),
		regexp.MustCompile(`https://meet\.google\.com/[a-z-]+`),
	}
	meetingIDPattern = regexp.MustCompile(`(?i)(?:Meeting\s*ID)\s*[:]\s*([\d\s]{10,25})`)
	passcodePattern  = regexp.MustCompile(`(?i)(?:Passcode|Password|Pass code)\s*[:]\s*(\S{4,20})`)

	foldedLineRe = regexp.MustCompile(`\r?\n[ \t]`)
)

// HasInvite reports whether source (a raw RFC 5322 message) plausibly
// contains a calendar invite, for a cheap pre-check before a full parse.
func HasInvite(source []byte) bool {
	s := strings.ToLower(string(source))
	return strings.Contains(s, "text/calendar") || strings.Contains(s, "begin:vcalendar")
}

// Parse extracts one meeting invite from a raw VCALENDAR body (the
// decoded bytes of a text/calendar MIME part). Returns nil, nil if the
// content has no UID or no DTSTART, since both are required to anchor
// the invite to a remote calendar page.
func Parse(icalContent string) (*Invite, error) {
	unfolded := foldedLineRe.ReplaceAllString(icalContent, "")

	lines := strings.Split(unfolded, "\n")
	fields := make(map[string]string)
	var attendeeLines []string

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		keyPart, value, _ := strings.Cut(line, ":")
		key := keyPart
		if idx := strings.Index(keyPart, ";"); idx >= 0 {
			key = keyPart[:idx]
		}

		if strings.HasPrefix(key, "ATTENDEE") {
			attendeeLines = append(attendeeLines, line)
			continue
		}
		fields[key] = value
	}

	uid := fields["UID"]
	if uid == "" {
		return nil, nil
	}

	start := parseDateTime(fields["DTSTART"])
	if start.IsZero() {
		return nil, nil
	}
	end := parseDateTime(fields["DTEND"])
	if end.IsZero() {
		end = start.Add(time.Hour)
	}

	method := fields["METHOD"]
	if method == "" {
		method = "REQUEST"
	}

	status := StatusTentative
	if method == "CANCEL" {
		status = StatusCancelled
	} else if strings.EqualFold(fields["STATUS"], "CANCELLED") {
		status = StatusCancelled
	}

	organizerName, organizerEmail := parseOrganizer(fields["ORGANIZER"])
	description := decodeText(fields["DESCRIPTION"])
	joinURL, meetingID, passcode := extractConferenceInfo(description)

	sequence, _ := strconv.Atoi(fields["SEQUENCE"])

	return &Invite{
		UID:            uid,
		Method:         method,
		Summary:        decodeText(fields["SUMMARY"]),
		Start:          start,
		End:            end,
		Location:       decodeText(fields["LOCATION"]),
		Description:    description,
		Organizer:      organizerName,
		OrganizerEmail: organizerEmail,
		Attendees:      parseAttendees(attendeeLines),
		Status:         status,
		Sequence:       sequence,
		IsAllDay:       isAllDayValue(fields["DTSTART"]),
		JoinURL:        joinURL,
		MeetingID:      meetingID,
		Passcode:       passcode,
	}, nil
}

func isAllDayValue(dtstart string) bool {
	return len(dtstart) == 8 && !strings.Contains(dtstart, "T")
}

// parseDateTime handles the three iCalendar DATE-TIME forms this
// package encounters: a bare DATE (all-day), a floating local
// DATE-TIME, and a UTC DATE-TIME suffixed with Z. Parameters such as
// TZID are not separately tracked; floating times are interpreted in
// the local timezone of the process, matching how a desktop mail
// client would render them to the user running this daemon.
func parseDateTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if !strings.Contains(value, "T") {
		t, err := time.ParseInLocation("20060102", value, time.Local)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	t, err := time.ParseInLocation("20060102T150405", value, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseOrganizer extracts a display name and email address from an
// ORGANIZER field whose value is typically "mailto:addr" with a
// CN= parameter folded into the key by the caller; since we only keep
// the value half, the mailto scheme is all that's reliably present.
func parseOrganizer(value string) (name, email string) {
	value = strings.TrimPrefix(value, "mailto:")
	value = strings.TrimPrefix(value, "MAILTO:")
	return "", strings.TrimSpace(value)
}

func parseAttendees(lines []string) []Attendee {
	var out []Attendee
	for _, line := range lines {
		_, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		email := strings.TrimPrefix(strings.TrimPrefix(value, "mailto:"), "MAILTO:")
		name := ""
		if idx := strings.Index(line, "CN="); idx >= 0 {
			rest := line[idx+3:]
			if end := strings.IndexAny(rest, ";:"); end >= 0 {
				name = rest[:end]
			}
		}
		out = append(out, Attendee{Name: name, Email: strings.TrimSpace(email)})
	}
	return out
}

// decodeText reverses the minimal iCalendar TEXT escaping this package
// needs to care about: escaped commas, semicolons, and newlines.
func decodeText(value string) string {
	r := strings.NewReplacer(`\,`, ",", `\;`, ";", `\n`, "\n", `\N`, "\n", `\\`, `\`)
	return r.Replace(value)
}

// extractConferenceInfo scans a meeting description for a known
// conferencing join URL, a meeting ID, and a passcode.
func extractConferenceInfo(description string) (joinURL, meetingID, passcode string) {
	if description == "" {
		return "", "", ""
	}
	for _, pat := range joinURLPatterns {
		if m := pat.FindString(description); m != "" {
			joinURL = strings.TrimSuffix(m, ">")
			break
		}
	}
	if m := meetingIDPattern.FindStringSubmatch(description); len(m) > 1 {
		meetingID = strings.TrimSpace(m[1])
	}
	if m := passcodePattern.FindStringSubmatch(description); len(m) > 1 {
		passcode = strings.TrimSpace(m[1])
	}
	return joinURL, meetingID, passcode
}
