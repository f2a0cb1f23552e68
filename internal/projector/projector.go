// Package projector takes a fetched-and-parsed message and writes it to
// the remote document database: an idempotence check by Message-ID, an
// optional thread-anchor resolution so replies nest under their parent
// page, upload of attachments and inline images, HTML-to-blocks body
// assembly, and the property mapping a reader would recognize as an
// inbox view (Subject, From, Thread ID, Has Attachments, ...).
package projector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maildocsync/maildocsync/internal/calendarinvite"
	"github.com/maildocsync/maildocsync/internal/fetcher"
	"github.com/maildocsync/maildocsync/internal/htmlblocks"
	"github.com/maildocsync/maildocsync/internal/model"
	"github.com/maildocsync/maildocsync/internal/parser"
	"github.com/maildocsync/maildocsync/internal/remote"
	"github.com/maildocsync/maildocsync/internal/store"
)

// maxInitialChildren is the remote API's cap on blocks supplied at page
// creation time; anything beyond it must be appended in follow-on
// batches of the same size.
const maxInitialChildren = 100

// anchorLookupDepth bounds how many scripting-channel round trips thread
// anchor resolution may spend per message: at most one, since the
// channel is serialized and a chain of lookups would stall the whole
// cycle.
const anchorLookupDepth = 1

// Projector writes parsed messages to the remote document database.
type Projector struct {
	store   store.Store
	remote  *remote.Client
	fetcher *fetcher.Fetcher
	cfg     *model.AppConfig
}

// New constructs a Projector.
func New(st store.Store, rc *remote.Client, fc *fetcher.Fetcher, cfg *model.AppConfig) *Projector {
	return &Projector{store: st, remote: rc, fetcher: fc, cfg: cfg}
}

// Result carries what a successful projection produced, for the caller
// to log or use in subsequent anchor lookups.
type Result struct {
	RemotePageID string
	Created      bool
}

// ProjectEmail projects one message into the email database. msg must
// already be in the fetched state with header fields populated; parsed
// is the parser's output for msg's source. Calendar invites found in
// parsed are projected separately via ProjectCalendarInvite by the
// caller, since a calendar failure must not fail the email projection.
func (p *Projector) ProjectEmail(ctx context.Context, msg model.Message, parsed *parser.ParsedMessage) (*Result, error) {
	if existing, err := p.findByMessageID(ctx, msg.MessageID); err != nil {
		return nil, fmt.Errorf("checking existing page for %s: %w", msg.MessageID, err)
	} else if existing != "" {
		return &Result{RemotePageID: existing, Created: false}, nil
	}

	var parentPageID string
	if parsed.ThreadID != "" && parsed.ThreadID != msg.MessageID {
		parentPageID = p.resolveAnchor(ctx, parsed.ThreadID, msg.Mailbox)
	}

	imageMap, attachmentUploads, err := p.uploadParts(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("uploading parts for %s: %w", msg.MessageID, err)
	}

	var emlFileUploadID string
	if parsed.SourcePath != "" {
		emlFileUploadID, err = p.remote.UploadFile(ctx, renameIfEML(parsed.SourcePath))
		if err != nil {
			return nil, fmt.Errorf("uploading source for %s: %w", msg.MessageID, err)
		}
	}

	bodyBlocks := htmlblocks.Convert(parsed.BodyHTML, imageMap)
	if len(bodyBlocks) == 0 && parsed.BodyText != "" {
		bodyBlocks = htmlblocks.Convert(parsed.BodyText, imageMap)
	}

	children := buildChildren(attachmentUploads, bodyBlocks, imageMap)
	properties := p.buildProperties(msg, parentPageID, emlFileUploadID)

	page, err := p.createPageBatched(ctx, properties, children)
	if err != nil {
		return nil, fmt.Errorf("creating page for %s: %w", msg.MessageID, err)
	}

	return &Result{RemotePageID: page.ID, Created: true}, nil
}

// findByMessageID returns the remote page id already holding messageID,
// or "" if none exists. This is the idempotence gate that makes
// re-observation of an already-synced message a no-op.
func (p *Projector) findByMessageID(ctx context.Context, messageID string) (string, error) {
	pages, err := p.remote.QueryByRichTextEquals(ctx, p.cfg.EmailDatabaseID, "Message ID", messageID)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", nil
	}
	return pages[0].ID, nil
}

// resolveAnchor implements the three-step thread-anchor resolution: a
// direct lookup of the already-projected page whose Message ID is the
// thread anchor, a
// negative-cache short-circuit for threads already known to be
// unresolvable, and finally one depth-limited scripting-channel lookup
// to discover a parent the store hasn't observed yet. Any failure here
// degrades to an unanchored page rather than blocking the message's own
// projection.
func (p *Projector) resolveAnchor(ctx context.Context, threadID, mailbox string) string {
	if pages, err := p.remote.QueryByRichTextEquals(ctx, p.cfg.EmailDatabaseID, "Message ID", threadID); err == nil && len(pages) > 0 {
		return pages[0].ID
	}

	if known, err := p.store.IsUnresolvableAnchor(ctx, threadID); err == nil && known {
		return p.fallbackAnchorID(ctx)
	}

	if anchorLookupDepth > 0 {
		if hdr, err := p.fetcher.FetchByMessageID(ctx, threadID, mailbox); err == nil {
			if pages, qerr := p.remote.QueryByRichTextEquals(ctx, p.cfg.EmailDatabaseID, "Message ID", hdr.MessageID); qerr == nil && len(pages) > 0 {
				return pages[0].ID
			}
		}
	}

	_ = p.store.RememberUnresolvableAnchor(ctx, threadID)
	return p.fallbackAnchorID(ctx)
}

// fallbackAnchorID returns the page id of the well-known fallback anchor
// page, creating it on first use, so unresolved threads still land
// somewhere a reader can find them rather than vanishing from view.
func (p *Projector) fallbackAnchorID(ctx context.Context) string {
	pages, err := p.remote.QueryByRichTextEquals(ctx, p.cfg.EmailDatabaseID, "Message ID", p.cfg.FallbackAnchorMessageID)
	if err == nil && len(pages) > 0 {
		return pages[0].ID
	}

	page, err := p.remote.CreatePage(ctx, remote.CreatePageRequest{
		DatabaseID: p.cfg.EmailDatabaseID,
		Properties: map[string]interface{}{
			"Subject":    richText(p.cfg.FallbackAnchorTitle),
			"Message ID": richText(p.cfg.FallbackAnchorMessageID),
		},
	})
	if err != nil {
		return ""
	}
	return page.ID
}

// uploadParts uploads every attachment and inline image, returning a
// cid/filename -> upload-id map for htmlblocks to resolve inline
// references against, plus the attachment metadata needed to build the
// attachments section. Uploads happen before HTML conversion so cid:
// references in the body can be substituted with real upload ids.
func (p *Projector) uploadParts(ctx context.Context, parsed *parser.ParsedMessage) (map[string]string, []attachmentUpload, error) {
	imageMap := make(map[string]string)
	var uploads []attachmentUpload

	for cid, part := range parsed.InlineImages {
		id, err := p.remote.UploadFile(ctx, part.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("uploading inline image %s: %w", part.Filename, err)
		}
		imageMap[cid] = id
		imageMap[part.Filename] = id
		uploads = append(uploads, attachmentUpload{part: part, uploadID: id, inline: true})
	}

	for _, part := range parsed.Attachments {
		id, err := p.remote.UploadFile(ctx, renameIfEML(part.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("uploading attachment %s: %w", part.Filename, err)
		}
		uploads = append(uploads, attachmentUpload{part: part, uploadID: id, inline: false})
	}

	return imageMap, uploads, nil
}

type attachmentUpload struct {
	part     parser.Part
	uploadID string
	inline   bool
}

// renameIfEML renames a .eml file on disk to .txt before upload, since
// the remote store's upload endpoint rejects the raw mail source
// extension. If the rename fails, the original path is returned.
func renameIfEML(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".eml") {
		renamed := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
		if err := os.Rename(path, renamed); err != nil {
			return path
		}
		return renamed
	}
	return path
}

// buildChildren assembles the page body: a non-inline attachments
// section up top (mirroring how a mail client surfaces attachments
// separate from the body), the message body blocks, and a trailing
// callout pointing at the Original EML field for anyone who needs the
// raw source.
func buildChildren(uploads []attachmentUpload, bodyBlocks []htmlblocks.Block, imageMap map[string]string) []map[string]interface{} {
	var children []map[string]interface{}

	var topLevel []attachmentUpload
	for _, u := range uploads {
		if u.inline {
			continue
		}
		topLevel = append(topLevel, u)
	}

	if len(topLevel) > 0 {
		children = append(children, headingBlock("heading_3", "📎 Attachments"))
		for _, u := range topLevel {
			children = append(children, fileOrImageBlock(u))
		}
		children = append(children, dividerBlock())
	}

	children = append(children, headingBlock("heading_2", "📧 Message"))

	for _, b := range bodyBlocks {
		children = append(children, blockToWire(b))
	}

	children = append(children, dividerBlock())
	children = append(children, calloutBlock("💾 The original message (.eml) is attached in the Original EML field.", "💾"))

	return children
}

func headingBlock(blockType, text string) map[string]interface{} {
	return map[string]interface{}{
		"object":  "block",
		"type":    blockType,
		blockType: map[string]interface{}{"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": text}}}},
	}
}

func dividerBlock() map[string]interface{} {
	return map[string]interface{}{"object": "block", "type": "divider", "divider": map[string]interface{}{}}
}

func calloutBlock(text, icon string) map[string]interface{} {
	return map[string]interface{}{
		"object": "block",
		"type":   "callout",
		"callout": map[string]interface{}{
			"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": text}}},
			"icon":      map[string]interface{}{"emoji": icon},
		},
	}
}

func fileOrImageBlock(u attachmentUpload) map[string]interface{} {
	blockType := "file"
	if strings.HasPrefix(strings.ToLower(u.part.ContentType), "image/") {
		blockType = "image"
	}
	return map[string]interface{}{
		"object": "block",
		"type":   blockType,
		blockType: map[string]interface{}{
			"type":        "file_upload",
			"file_upload": map[string]interface{}{"id": u.uploadID},
			"caption":     []map[string]interface{}{{"text": map[string]interface{}{"content": u.part.Filename}}},
		},
	}
}

func blockToWire(b htmlblocks.Block) map[string]interface{} {
	switch b.Type {
	case "image":
		img := map[string]interface{}{}
		if b.ImageFileUploadID != "" {
			img["type"] = "file_upload"
			img["file_upload"] = map[string]interface{}{"id": b.ImageFileUploadID}
		} else {
			img["type"] = "external"
			img["external"] = map[string]interface{}{"url": b.ImageExternalURL}
		}
		if b.ImageCaption != "" {
			img["caption"] = []map[string]interface{}{{"text": map[string]interface{}{"content": b.ImageCaption}}}
		}
		return map[string]interface{}{"object": "block", "type": "image", "image": img}

	case "callout":
		return calloutBlock(b.CalloutText, b.CalloutIcon)

	default:
		return map[string]interface{}{
			"object":  "block",
			"type":    b.Type,
			b.Type:    map[string]interface{}{"rich_text": richTextSpans(b.RichText)},
		}
	}
}

func richTextSpans(spans []htmlblocks.RichText) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(spans))
	for _, s := range spans {
		text := map[string]interface{}{"content": s.Content}
		if s.Link != "" {
			text["link"] = map[string]interface{}{"url": s.Link}
		}
		out = append(out, map[string]interface{}{"text": text})
	}
	return out
}

func richText(content string) map[string]interface{} {
	return map[string]interface{}{"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": content}}}}
}

// buildProperties maps a Message Record onto the email database's
// property schema.
func (p *Projector) buildProperties(msg model.Message, parentPageID, emlFileUploadID string) map[string]interface{} {
	props := map[string]interface{}{
		"Subject":         richText(htmlblocks.TruncateUTF16(msg.Subject, 2000)),
		"From":            map[string]interface{}{"email": msg.SenderAddress},
		"From Name":       richText(htmlblocks.TruncateUTF16(msg.SenderDisplay, 1999)),
		"To":              richText(htmlblocks.TruncateUTF16(msg.ToList, 1999)),
		"CC":              richText(htmlblocks.TruncateUTF16(msg.CcList, 1999)),
		"Date":            map[string]interface{}{"date": map[string]interface{}{"start": msg.DateReceived.Format("2006-01-02T15:04:05Z07:00")}},
		"Message ID":      richText(htmlblocks.TruncateUTF16(msg.MessageID, 1999)),
		"Mailbox":         richText(msg.Mailbox),
		"Is Read":         map[string]interface{}{"checkbox": msg.IsRead},
		"Is Flagged":      map[string]interface{}{"checkbox": msg.IsFlagged},
		"Has Attachments": map[string]interface{}{"checkbox": msg.HasAttachments},
	}

	if msg.ThreadID != "" {
		props["Thread ID"] = richText(htmlblocks.TruncateUTF16(msg.ThreadID, 1999))
	}

	if parentPageID != "" {
		props["Parent Item"] = map[string]interface{}{"relation": []map[string]interface{}{{"id": parentPageID}}}
	}

	if emlFileUploadID != "" {
		props["Original EML"] = map[string]interface{}{
			"files": []map[string]interface{}{{"type": "file_upload", "file_upload": map[string]interface{}{"id": emlFileUploadID}}},
		}
	}

	return props
}

// createPageBatched creates the page with up to the first
// maxInitialChildren blocks, then appends the remainder in batches of
// the same size, since the remote API caps both creation and append
// payloads at 100 blocks.
func (p *Projector) createPageBatched(ctx context.Context, properties map[string]interface{}, children []map[string]interface{}) (*remote.Page, error) {
	head := children
	var rest []map[string]interface{}
	if len(children) > maxInitialChildren {
		head = children[:maxInitialChildren]
		rest = children[maxInitialChildren:]
	}

	page, err := p.remote.CreatePage(ctx, remote.CreatePageRequest{
		DatabaseID: p.cfg.EmailDatabaseID,
		Properties: properties,
		Children:   head,
	})
	if err != nil {
		return nil, err
	}

	for len(rest) > 0 {
		batch := rest
		if len(batch) > maxInitialChildren {
			batch = rest[:maxInitialChildren]
		}
		if err := p.remote.AppendBlockChildren(ctx, page.ID, batch); err != nil {
			return nil, fmt.Errorf("appending remaining blocks: %w", err)
		}
		rest = rest[len(batch):]
	}

	return page, nil
}

// ProjectCalendarInvite upserts a calendar database page for inv, keyed
// by its UID: updating an existing page in place on re-observation
// rather than creating a duplicate event. A failure here must never
// fail the caller's email projection; callers should log and continue.
func (p *Projector) ProjectCalendarInvite(ctx context.Context, inv *calendarinvite.Invite) (*Result, error) {
	if p.cfg.CalendarDatabaseID == "" {
		return nil, fmt.Errorf("calendar projection requested but no calendar database is configured")
	}

	pages, err := p.remote.QueryByRichTextEquals(ctx, p.cfg.CalendarDatabaseID, "Event ID", inv.UID)
	if err != nil {
		return nil, fmt.Errorf("looking up existing event %s: %w", inv.UID, err)
	}

	properties := p.buildCalendarProperties(inv)

	if len(pages) > 0 {
		if err := p.remote.UpdatePageProperties(ctx, pages[0].ID, properties); err != nil {
			return nil, fmt.Errorf("updating event %s: %w", inv.UID, err)
		}
		return &Result{RemotePageID: pages[0].ID, Created: false}, nil
	}

	page, err := p.remote.CreatePage(ctx, remote.CreatePageRequest{
		DatabaseID: p.cfg.CalendarDatabaseID,
		Properties: properties,
		Children:   calendarDescriptionBlocks(inv),
	})
	if err != nil {
		return nil, fmt.Errorf("creating event %s: %w", inv.UID, err)
	}
	return &Result{RemotePageID: page.ID, Created: true}, nil
}

func (p *Projector) buildCalendarProperties(inv *calendarinvite.Invite) map[string]interface{} {
	props := map[string]interface{}{
		"Title":    richText(htmlblocks.TruncateUTF16(inv.Summary, 2000)),
		"Event ID": richText(htmlblocks.TruncateUTF16(inv.UID, 1999)),
		"Status":   map[string]interface{}{"select": map[string]interface{}{"name": string(inv.Status)}},
		"Start":    map[string]interface{}{"date": map[string]interface{}{"start": inv.Start.Format("2006-01-02T15:04:05Z07:00")}},
	}
	if !inv.End.IsZero() {
		props["Start"] = map[string]interface{}{"date": map[string]interface{}{
			"start": inv.Start.Format("2006-01-02T15:04:05Z07:00"),
			"end":   inv.End.Format("2006-01-02T15:04:05Z07:00"),
		}}
	}
	if inv.Location != "" {
		props["Location"] = richText(htmlblocks.TruncateUTF16(inv.Location, 1999))
	}
	if inv.OrganizerEmail != "" {
		props["Organizer"] = map[string]interface{}{"email": inv.OrganizerEmail}
	}
	if inv.JoinURL != "" {
		props["Join URL"] = map[string]interface{}{"url": inv.JoinURL}
	}
	return props
}

func calendarDescriptionBlocks(inv *calendarinvite.Invite) []map[string]interface{} {
	var children []map[string]interface{}
	if inv.Description != "" {
		children = append(children, map[string]interface{}{
			"object":    "block",
			"type":      "paragraph",
			"paragraph": map[string]interface{}{"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": htmlblocks.TruncateUTF16(inv.Description, 2000)}}}},
		})
	}
	if len(inv.Attendees) > 0 {
		var names []string
		for _, a := range inv.Attendees {
			if a.Name != "" {
				names = append(names, fmt.Sprintf("%s <%s>", a.Name, a.Email))
			} else {
				names = append(names, a.Email)
			}
		}
		children = append(children, map[string]interface{}{
			"object":    "block",
			"type":      "paragraph",
			"paragraph": map[string]interface{}{"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": "Attendees: " + strings.Join(names, ", ")}}}},
		})
	}
	return children
}
