package activitypub

import (
	"errors"
	"testing"

	"github.com/deemkeen/rox/domain"
)

func TestParseActivityShapes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantObject string
		wantType   string
	}{
		{
			name:       "bare object",
			body:       `{"id":"https://r.example/a/1","type":"Follow","actor":"https://r.example/u/bob","object":"https://rox.example/users/alice"}`,
			wantObject: "https://rox.example/users/alice",
		},
		{
			name:       "embedded object",
			body:       `{"type":"Undo","actor":{"id":"https://r.example/u/bob","type":"Person"},"object":{"id":"https://r.example/a/1","type":"Follow","actor":"https://r.example/u/bob","object":"https://rox.example/users/alice"}}`,
			wantObject: "https://r.example/a/1",
			wantType:   "Follow",
		},
		{
			name:       "object array",
			body:       `{"type":"Create","actor":"https://r.example/u/bob","object":[{"id":"https://r.example/n/1","type":"Note"}]}`,
			wantObject: "https://r.example/n/1",
			wantType:   "Note",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseActivity([]byte(tt.body))
			if err != nil {
				t.Fatalf("Failed to parse: %v", err)
			}
			if a.Actor != "https://r.example/u/bob" {
				t.Errorf("Actor = %q", a.Actor)
			}
			if a.ObjectID != tt.wantObject {
				t.Errorf("ObjectID = %q, want %q", a.ObjectID, tt.wantObject)
			}
			if a.ObjectType() != tt.wantType {
				t.Errorf("ObjectType = %q, want %q", a.ObjectType(), tt.wantType)
			}
		})
	}
}

func TestParseActivityMalformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`[]`,
		`{"actor":"https://r.example/u/bob"}`,
		`{"type":"Like"}`,
	} {
		if _, err := ParseActivity([]byte(body)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", body, err)
		}
	}
}

func TestNormalizeObject(t *testing.T) {
	o := normalizeObject(map[string]any{
		"id":   "https://r.example/n/1",
		"type": "Note",
		"attributedTo": []any{
			map[string]any{"type": "Group", "id": "https://r.example/c/cats"},
			map[string]any{"type": "Person", "id": "https://r.example/u/bob"},
		},
		"content":    "<p>hi</p>",
		"summary":    "cw",
		"sensitive":  true,
		"quoteUri":   "https://r.example/n/0",
		"attachment": []any{map[string]any{"type": "Document", "url": "https://r.example/f/1.png"}, "https://r.example/f/2.png"},
		"tag": map[string]any{
			"type": "Emoji", "name": ":blob:", "icon": map[string]any{"type": "Image", "url": "https://r.example/e/blob.png"},
		},
		"to": "https://www.w3.org/ns/activitystreams#Public",
	})

	if o.AttributedTo != "https://r.example/u/bob" {
		t.Errorf("AttributedTo = %q, want the Person entry", o.AttributedTo)
	}
	if o.QuoteURI != "https://r.example/n/0" {
		t.Errorf("QuoteURI = %q", o.QuoteURI)
	}
	if len(o.Attachments) != 2 {
		t.Errorf("Attachments = %v", o.Attachments)
	}
	if len(o.To) != 1 || o.To[0] != PublicCollection {
		t.Errorf("To = %v", o.To)
	}
	if got := emojiURL(o.Tags, ":blob:"); got != "https://r.example/e/blob.png" {
		t.Errorf("emojiURL = %q", got)
	}
	if got := emojiURL(o.Tags, ":other:"); got != "" {
		t.Errorf("emojiURL for unknown shortcode = %q", got)
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"<p>Hello <a href=\"https://x.example\">world</a></p>", "Hello world"},
		{"<p>one<br>two</p><p>three</p>", "one\ntwo\n\nthree"},
		{"a &amp; b", "a & b"},
	}
	for _, tt := range tests {
		if got := htmlToText(tt.in); got != tt.want {
			t.Errorf("htmlToText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNoteTextPrefersSource(t *testing.T) {
	o := &Object{Content: "<p>html</p>", SourceContent: "source", SourceMediaType: "text/plain"}
	if got := noteText(o); got != "source" {
		t.Errorf("noteText = %q, want source", got)
	}
	o.MisskeyContent = "mfm"
	if got := noteText(o); got != "mfm" {
		t.Errorf("noteText = %q, want mfm", got)
	}
	o = &Object{Content: "<p>html</p>", SourceContent: "<b>x</b>", SourceMediaType: "text/html"}
	if got := noteText(o); got != "html" {
		t.Errorf("noteText = %q, want html", got)
	}
}

func TestVisibilityOf(t *testing.T) {
	followers := "https://r.example/u/bob/followers"
	tests := []struct {
		to, cc []string
		want   domain.Visibility
	}{
		{[]string{PublicCollection}, []string{followers}, domain.VisibilityPublic},
		{[]string{followers}, []string{PublicCollection}, domain.VisibilityHome},
		{[]string{followers}, nil, domain.VisibilityFollowers},
		{[]string{"https://rox.example/users/alice"}, nil, domain.VisibilitySpecified},
	}
	for _, tt := range tests {
		if got := visibilityOf(tt.to, tt.cc, followers); got != tt.want {
			t.Errorf("visibilityOf(%v, %v) = %s, want %s", tt.to, tt.cc, got, tt.want)
		}
	}
}
