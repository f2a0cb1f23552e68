// Package parser turns an RFC 5322 message source into the in-memory
// shape the Projector needs: header-derived fields, the thread anchor,
// the preferred body, and classified attachment/inline-image parts
// persisted to a per-message temporary directory.
package parser

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Part describes one non-body MIME part persisted to disk.
type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int64
	Path        string
	IsImage     bool
}

// ParsedMessage is everything the Projector needs from one RFC 5322
// source, beyond the header fields already captured in the Message
// Record by the Fetcher.
type ParsedMessage struct {
	ThreadID       string
	BodyHTML       string
	BodyText       string
	InlineImages   map[string]Part // keyed by content-id, without angle brackets
	Attachments    []Part
	HasCalendar    bool
	CalendarSource []byte

	// SourcePath is the raw RFC 5322 source persisted alongside the
	// parsed parts, so the Projector can upload it as the Original EML
	// field without re-fetching.
	SourcePath string

	// Dropped records every part that was discarded rather than kept,
	// so the caller can log a structured record instead of silently
	// losing evidence that an attachment existed.
	Dropped []DroppedPart
}

// DroppedPart records one part that was excluded from Attachments or
// InlineImages, and why.
type DroppedPart struct {
	Filename string
	Reason   string
}

// Options configures size and extension gates applied while classifying
// parts as attachments.
type Options struct {
	MaxAttachmentBytes int64
	AllowedExtensions  map[string]bool // lower-cased, including leading dot; empty means allow all
	TempDirRoot        string
}

// imageSignatures maps magic byte prefixes to a media type, used to
// classify extension-less parts (typically inline images) as images.
var imageSignatures = []struct {
	prefix []byte
	mime   string
}{
	{[]byte("\x89PNG"), "image/png"},
	{[]byte("\xff\xd8\xff"), "image/jpeg"},
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
}

// referencesRe extracts angle-bracketed Message-ID tokens from a raw
// References or In-Reply-To header value.
var referencesRe = regexp.MustCompile(`<[^<>]+>`)

// Parse walks the multipart structure of source (the raw RFC 5322
// bytes), extracting the thread anchor, preferred body, and classified
// parts. messageID is used to derive the content-addressed temp
// directory name for persisted parts.
func Parse(source []byte, messageID string, opts Options) (*ParsedMessage, error) {
	r, err := mail.CreateReader(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parsing message source: %w", err)
	}

	pm := &ParsedMessage{
		InlineImages: make(map[string]Part),
	}
	pm.ThreadID = extractThreadID(r.Header.Get("References"), r.Header.Get("In-Reply-To"))

	tempDir, err := tempDirFor(messageID, opts.TempDirRoot)
	if err != nil {
		return nil, err
	}

	sourcePath := filepath.Join(tempDir, "message.eml")
	if err := os.WriteFile(sourcePath, source, 0o644); err != nil {
		return nil, fmt.Errorf("writing message source %s: %w", sourcePath, err)
	}
	pm.SourcePath = sourcePath

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading message part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			contentID := stripAngleBrackets(h.Get("Content-Id"))

			if contentID != "" {
				if err := storeAsPart(pm, part.Body, tempDir, contentID, contentType, params, opts); err != nil {
					return nil, err
				}
				continue
			}

			switch contentType {
			case "text/html":
				if pm.BodyHTML == "" {
					b, err := io.ReadAll(part.Body)
					if err != nil {
						return nil, fmt.Errorf("reading html body: %w", err)
					}
					pm.BodyHTML = string(b)
				}
			case "text/plain":
				if pm.BodyText == "" {
					b, err := io.ReadAll(part.Body)
					if err != nil {
						return nil, fmt.Errorf("reading text body: %w", err)
					}
					pm.BodyText = string(b)
				}
			case "text/calendar", "application/ics":
				b, err := io.ReadAll(part.Body)
				if err != nil {
					return nil, fmt.Errorf("reading calendar part: %w", err)
				}
				pm.HasCalendar = true
				pm.CalendarSource = b
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, params, _ := h.ContentType()
			contentID := stripAngleBrackets(h.Get("Content-Id"))

			if contentID != "" {
				if err := storeAsPart(pm, part.Body, tempDir, contentID, contentType, params, opts); err != nil {
					return nil, err
				}
				continue
			}

			if err := storeAttachment(pm, part.Body, tempDir, filename, contentType, opts); err != nil {
				return nil, err
			}
		}
	}

	return pm, nil
}

// extractThreadID implements the thread-anchor rule: first value in
// References, trimmed of angle brackets; failing that, In-Reply-To;
// failing that, empty (the message is its own anchor).
func extractThreadID(references, inReplyTo string) string {
	if references != "" {
		if ids := referencesRe.FindAllString(references, -1); len(ids) > 0 {
			return stripAngleBrackets(ids[0])
		}
	}
	if inReplyTo != "" {
		if ids := referencesRe.FindAllString(inReplyTo, -1); len(ids) > 0 {
			return stripAngleBrackets(ids[0])
		}
		return strings.TrimSpace(inReplyTo)
	}
	return ""
}

func stripAngleBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return s
}

// tempDirFor returns (creating if needed) the per-message temporary
// directory, named by a 16-character content-addressed digest of
// messageID to keep path lengths bounded on all filesystems.
func tempDirFor(messageID, root string) (string, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "maildocsync")
	}
	sum := md5.Sum([]byte(messageID))
	digest := hex.EncodeToString(sum[:])[:16]
	dir := filepath.Join(root, digest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp directory %s: %w", dir, err)
	}
	if err := writeLockMarker(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// writeLockMarker drops a uniquely-named marker file into dir on every
// pass through it, so two processes racing to parse the same
// Message-ID (content-addressed to the same directory) leave distinct
// evidence behind instead of silently overwriting each other's files.
func writeLockMarker(dir string) error {
	marker := filepath.Join(dir, "."+uuid.New().String()+".lock")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("writing lock marker in %s: %w", dir, err)
	}
	return nil
}

func storeAsPart(pm *ParsedMessage, body io.Reader, tempDir, contentID, contentType string, params map[string]string, opts Options) error {
	filename := params["name"]
	if filename == "" {
		filename = contentID
	}
	part, reason, err := writePart(body, tempDir, filename, contentType, opts.MaxAttachmentBytes)
	if err != nil {
		return err
	}
	if part == nil {
		pm.Dropped = append(pm.Dropped, DroppedPart{Filename: filename, Reason: reason})
		return nil
	}
	pm.InlineImages[contentID] = *part
	return nil
}

func storeAttachment(pm *ParsedMessage, body io.Reader, tempDir, filename, contentType string, opts Options) error {
	if filename == "" && contentType != "" {
		if ext := ExtensionFromContentType(contentType); ext != "" {
			filename = "attachment" + ext
		}
	}
	part, reason, err := writePart(body, tempDir, filename, contentType, opts.MaxAttachmentBytes)
	if err != nil {
		return err
	}
	if part == nil {
		pm.Dropped = append(pm.Dropped, DroppedPart{Filename: filename, Reason: reason})
		return nil
	}

	ext := strings.ToLower(filepath.Ext(part.Filename))
	if ext != "" && len(opts.AllowedExtensions) > 0 && !opts.AllowedExtensions[ext] {
		os.Remove(part.Path)
		pm.Dropped = append(pm.Dropped, DroppedPart{Filename: part.Filename, Reason: "extension not allowed"})
		return nil
	}

	pm.Attachments = append(pm.Attachments, *part)
	return nil
}

// writePart persists one MIME part's body to tempDir, applying the size
// gate and classifying it as an image either from its declared content
// type or, for extension-less files, a magic-byte signature sniff.
// Returns a nil Part with a non-empty reason (and nil error) when the
// part is dropped for exceeding the size limit.
func writePart(body io.Reader, tempDir, filename, contentType string, maxBytes int64) (*Part, string, error) {
	if filename == "" {
		filename = "part.bin"
	}
	data, err := io.ReadAll(io.LimitReader(body, maxSizeGuard(maxBytes)))
	if err != nil {
		return nil, "", fmt.Errorf("reading part %s: %w", filename, err)
	}

	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Sprintf("exceeds max attachment size (%d bytes)", maxBytes), nil
	}

	path := filepath.Join(tempDir, sanitizeFilename(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, "", fmt.Errorf("writing part %s: %w", path, err)
	}

	isImage := strings.HasPrefix(contentType, "image/")
	if !isImage && filepath.Ext(filename) == "" {
		isImage = sniffImage(data)
		if isImage && contentType == "" {
			contentType = sniffImageMIME(data)
		}
	}

	return &Part{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Path:        path,
		IsImage:     isImage,
	}, "", nil
}

// maxSizeGuard caps the LimitReader at maxBytes+1 so an oversized part
// is detected without reading the whole attachment into memory when
// maxBytes is configured; a non-positive maxBytes disables the guard.
func maxSizeGuard(maxBytes int64) int64 {
	if maxBytes <= 0 {
		return 1 << 30 // 1 GiB backstop when no limit is configured
	}
	return maxBytes + 1
}

func sniffImage(data []byte) bool {
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return true
		}
	}
	return false
}

func sniffImageMIME(data []byte) string {
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.mime
		}
	}
	return ""
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "part.bin"
	}
	return name
}

// ExtensionFromContentType is a best-effort fallback for parts that
// declare a content type but no filename.
func ExtensionFromContentType(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
