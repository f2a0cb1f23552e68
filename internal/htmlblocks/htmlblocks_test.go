package htmlblocks

import "testing"

func TestConvertParagraphsAndHeadings(t *testing.T) {
	blocks := Convert(`<body><h1>Title</h1><p>Hello <b>world</b></p></body>`, nil)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Type != "heading_1" || blocks[0].RichText[0].Content != "Title" {
		t.Errorf("unexpected heading block: %+v", blocks[0])
	}
	if blocks[1].Type != "paragraph" || blocks[1].RichText[0].Content != "Hello world" {
		t.Errorf("unexpected paragraph block: %+v", blocks[1])
	}
}

func TestConvertListItems(t *testing.T) {
	blocks := Convert(`<ul><li>one</li><li>two</li></ul>`, nil)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 list blocks, got %d", len(blocks))
	}
	for _, b := range blocks {
		if b.Type != "bulleted_list_item" {
			t.Errorf("expected bulleted_list_item, got %s", b.Type)
		}
	}
}

func TestConvertResolvesCIDImage(t *testing.T) {
	blocks := Convert(`<p><img src="cid:logo123" alt="logo"></p>`, map[string]string{"logo123": "upload-abc"})
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Type != "image" || blocks[0].ImageFileUploadID != "upload-abc" {
		t.Errorf("unexpected image block: %+v", blocks[0])
	}
}

func TestConvertUnresolvedCIDProducesCallout(t *testing.T) {
	blocks := Convert(`<p><img src="cid:missing" alt="x"></p>`, nil)
	if len(blocks) != 1 || blocks[0].Type != "callout" {
		t.Fatalf("expected callout placeholder, got %+v", blocks)
	}
}

func TestConvertExternalImage(t *testing.T) {
	blocks := Convert(`<img src="https://example.com/a.png">`, nil)
	if len(blocks) != 1 || blocks[0].Type != "image" || blocks[0].ImageExternalURL != "https://example.com/a.png" {
		t.Fatalf("unexpected: %+v", blocks)
	}
}

func TestConvertPlainTextFallback(t *testing.T) {
	blocks := Convert("first paragraph\n\nsecond paragraph", nil)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(blocks))
	}
	if blocks[0].RichText[0].Content != "first paragraph" {
		t.Errorf("unexpected: %+v", blocks[0])
	}
}

func TestTruncateUTF16(t *testing.T) {
	long := make([]byte, 0, 3000)
	for i := 0; i < 3000; i++ {
		long = append(long, 'a')
	}
	got := TruncateUTF16(string(long), 2000)
	if len(got) != 2000 {
		t.Errorf("expected 2000 ascii bytes, got %d", len(got))
	}
}

func TestConvertEmptyReturnsNil(t *testing.T) {
	if blocks := Convert("   ", nil); blocks != nil {
		t.Errorf("expected nil for empty input, got %+v", blocks)
	}
}
