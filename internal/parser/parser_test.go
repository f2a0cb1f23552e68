package parser

import (
	"strings"
	"testing"
)

func TestExtractThreadIDPrefersReferences(t *testing.T) {
	got := extractThreadID("<root@example.com> <mid@example.com>", "<other@example.com>")
	if got != "root@example.com" {
		t.Errorf("got %q", got)
	}
}

func TestExtractThreadIDFallsBackToInReplyTo(t *testing.T) {
	got := extractThreadID("", "<parent@example.com>")
	if got != "parent@example.com" {
		t.Errorf("got %q", got)
	}
}

func TestExtractThreadIDEmptyWhenNoHeaders(t *testing.T) {
	if got := extractThreadID("", ""); got != "" {
		t.Errorf("expected empty thread id, got %q", got)
	}
}

func TestSniffImageSignatures(t *testing.T) {
	cases := map[string][]byte{
		"png":  {0x89, 'P', 'N', 'G'},
		"jpeg": {0xff, 0xd8, 0xff, 0xe0},
		"gif":  []byte("GIF89a"),
	}
	for name, data := range cases {
		if !sniffImage(data) {
			t.Errorf("%s: expected signature match", name)
		}
	}
	if sniffImage([]byte("not an image")) {
		t.Error("expected no match for plain text")
	}
}

func TestParseSimpleMultipartMessage(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test",
		"Message-Id: <abc@example.com>",
		"References: <root@example.com> <mid@example.com>",
		`Content-Type: multipart/alternative; boundary="BOUNDARY"`,
		"MIME-Version: 1.0",
		"",
		"--BOUNDARY",
		"Content-Type: text/plain",
		"",
		"plain body",
		"--BOUNDARY",
		"Content-Type: text/html",
		"",
		"<p>html body</p>",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	pm, err := Parse([]byte(raw), "abc@example.com", Options{TempDirRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pm.ThreadID != "root@example.com" {
		t.Errorf("ThreadID = %q", pm.ThreadID)
	}
	if !strings.Contains(pm.BodyHTML, "html body") {
		t.Errorf("BodyHTML = %q", pm.BodyHTML)
	}
	if !strings.Contains(pm.BodyText, "plain body") {
		t.Errorf("BodyText = %q", pm.BodyText)
	}
}
