package activitypub

import (
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/deemkeen/rox/domain"
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// htmlToText flattens remote HTML content to the plain text we store.
// Line breaks and paragraphs become newlines; links keep their text.
func htmlToText(content string) string {
	if !strings.ContainsAny(content, "<&") {
		return strings.TrimSpace(content)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})
	text := excessNewlines.ReplaceAllString(doc.Text(), "\n\n")
	return strings.TrimSpace(text)
}

// noteText picks the best plain-text rendition of a note object. A
// source or _misskey_content copy beats parsing the HTML.
func noteText(o *Object) string {
	if o.MisskeyContent != "" {
		return o.MisskeyContent
	}
	if o.SourceContent != "" {
		switch o.SourceMediaType {
		case "", "text/plain", "text/markdown", "text/x.misskeymarkdown":
			return o.SourceContent
		}
	}
	return htmlToText(o.Content)
}

// visibilityOf derives visibility from addressing as seen by us.
func visibilityOf(to, cc []string, followersURI string) domain.Visibility {
	switch {
	case slices.Contains(to, PublicCollection):
		return domain.VisibilityPublic
	case slices.Contains(cc, PublicCollection):
		return domain.VisibilityHome
	case followersURI != "" && (slices.Contains(to, followersURI) || slices.Contains(cc, followersURI)):
		return domain.VisibilityFollowers
	default:
		return domain.VisibilitySpecified
	}
}

// noteFromObject maps a remote note object to a Note authored by author.
func noteFromObject(o *Object, author *domain.Actor) *domain.Note {
	n := &domain.Note{
		AuthorId:   author.Id,
		Text:       noteText(o),
		Visibility: visibilityOf(o.To, o.Cc, author.FollowersURI),
		ReplyURI:   o.InReplyTo,
		QuoteURI:   o.QuoteURI,
		FileIds:    o.Attachments,
		URI:        o.ID,
		CreatedAt:  o.Published,
	}
	if o.Summary != "" {
		n.ContentWarning = o.Summary
	}
	if !o.Updated.IsZero() {
		updated := o.Updated
		n.UpdatedAt = &updated
	}
	for _, t := range o.Tags {
		if t.Type == "Mention" && t.Href != "" {
			n.Mentions = append(n.Mentions, t.Href)
		}
	}
	if o.Type == "Question" && n.Text == "" {
		n.Text = o.Summary
	}
	return n
}
