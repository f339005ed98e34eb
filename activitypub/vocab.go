package activitypub

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	activityStreamsContext = "https://www.w3.org/ns/activitystreams"
	securityContext        = "https://w3id.org/security/v1"

	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Tag is one entry of a tag list: a Mention, Hashtag or Emoji.
type Tag struct {
	Type    string
	Name    string
	Href    string
	IconURL string
}

// Object is an embedded object or activity in canonical shape. Remote
// servers send most fields as a string, an object or an array; parsing
// collapses each of them to one form so handlers never check types.
type Object struct {
	ID              string
	Type            string
	Actor           string
	ObjectID        string
	AttributedTo    string
	Content         string
	MediaType       string
	SourceContent   string
	SourceMediaType string
	MisskeyContent  string
	Summary         string
	Sensitive       bool
	InReplyTo       string
	QuoteURI        string
	Published       time.Time
	Updated         time.Time
	To              []string
	Cc              []string
	Attachments     []string
	Tags            []Tag
	Raw             map[string]any
}

// Activity is an inbound activity in canonical shape. Object is nil when
// the activity referenced its object by URI only.
type Activity struct {
	ID              string
	Type            string
	Actor           string
	ObjectID        string
	Object          *Object
	To              []string
	Cc              []string
	Content         string
	MisskeyReaction string
	Tags            []Tag
	Published       time.Time
	Raw             map[string]any
}

// ParseActivity decodes and normalizes an inbound activity.
func ParseActivity(body []byte) (*Activity, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if raw == nil {
		return nil, malformed("activity is not an object")
	}

	a := &Activity{
		ID:              firstString(raw["id"]),
		Type:            firstString(raw["type"]),
		Actor:           firstString(raw["actor"]),
		ObjectID:        firstString(raw["object"]),
		To:              stringList(raw["to"]),
		Cc:              stringList(raw["cc"]),
		Content:         plainString(raw["content"]),
		MisskeyReaction: plainString(raw["_misskey_reaction"]),
		Tags:            parseTags(raw["tag"]),
		Published:       parseTime(raw["published"]),
		Raw:             raw,
	}
	if a.Type == "" {
		return nil, malformed("activity has no type")
	}
	if a.Actor == "" {
		return nil, malformed("%s has no actor", a.Type)
	}
	if m := objectMap(raw["object"]); m != nil {
		a.Object = normalizeObject(m)
	}
	return a, nil
}

// ObjectType is the type of the embedded object, or "" for bare references.
func (a *Activity) ObjectType() string {
	if a.Object == nil {
		return ""
	}
	return a.Object.Type
}

func normalizeObject(m map[string]any) *Object {
	o := &Object{
		ID:             firstString(m["id"]),
		Type:           firstString(m["type"]),
		Actor:          firstString(m["actor"]),
		ObjectID:       firstString(m["object"]),
		AttributedTo:   attributedTo(m["attributedTo"]),
		Content:        plainString(m["content"]),
		MediaType:      plainString(m["mediaType"]),
		MisskeyContent: plainString(m["_misskey_content"]),
		Summary:        plainString(m["summary"]),
		InReplyTo:      firstString(m["inReplyTo"]),
		Published:      parseTime(m["published"]),
		Updated:        parseTime(m["updated"]),
		To:             stringList(m["to"]),
		Cc:             stringList(m["cc"]),
		Tags:           parseTags(m["tag"]),
		Raw:            m,
	}
	if s, ok := m["sensitive"].(bool); ok {
		o.Sensitive = s
	}
	if source := objectMap(m["source"]); source != nil {
		o.SourceContent = plainString(source["content"])
		o.SourceMediaType = plainString(source["mediaType"])
	}
	for _, key := range []string{"quoteUrl", "quoteUri", "_misskey_quote"} {
		if q := firstString(m[key]); q != "" {
			o.QuoteURI = q
			break
		}
	}
	for _, att := range asList(m["attachment"]) {
		if u := firstURL(att); u != "" {
			o.Attachments = append(o.Attachments, u)
		}
	}
	if o.AttributedTo == "" && o.Actor != "" {
		o.AttributedTo = o.Actor
	}
	return o
}

// asList wraps a single value in a slice and drops nils.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

// firstString extracts an id: the string itself, an object's id (or href),
// or the first usable element of an array.
func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id := plainString(t["id"]); id != "" {
			return id
		}
		return plainString(t["href"])
	case []any:
		for _, item := range t {
			if s := firstString(item); s != "" {
				return s
			}
		}
	}
	return ""
}

// firstURL extracts a link target from a string, a Link/Image/Document
// object (url or href) or an array of either.
func firstURL(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if u := firstURL(t["url"]); u != "" {
			return u
		}
		return plainString(t["href"])
	case []any:
		for _, item := range t {
			if u := firstURL(item); u != "" {
				return u
			}
		}
	}
	return ""
}

func plainString(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	var out []string
	for _, item := range asList(v) {
		if s := firstString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func objectMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// attributedTo prefers the Person entry when a list mixes actors and
// groups, as PeerTube does.
func attributedTo(v any) string {
	list := asList(v)
	for _, item := range list {
		if m, ok := item.(map[string]any); ok && plainString(m["type"]) == "Person" {
			return firstString(m)
		}
	}
	return firstString(list)
}

func parseTags(v any) []Tag {
	var tags []Tag
	for _, item := range asList(v) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tags = append(tags, Tag{
			Type:    plainString(m["type"]),
			Name:    plainString(m["name"]),
			Href:    plainString(m["href"]),
			IconURL: firstURL(m["icon"]),
		})
	}
	return tags
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// emojiURL finds the image for a ":shortcode:" among Emoji tags.
func emojiURL(tags []Tag, shortcode string) string {
	bare := strings.Trim(shortcode, ":")
	for _, t := range tags {
		if t.Type != "Emoji" || t.IconURL == "" {
			continue
		}
		if t.Name == shortcode || strings.Trim(t.Name, ":") == bare {
			return t.IconURL
		}
	}
	return ""
}

func isCustomEmoji(token string) bool {
	return len(token) > 2 && strings.HasPrefix(token, ":") && strings.HasSuffix(token, ":")
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

func isNoteType(t string) bool {
	switch t {
	case "Note", "Article", "Question", "Page":
		return true
	}
	return false
}
