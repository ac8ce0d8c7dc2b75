// Package refparse tokenizes chat messages into reference candidates.
// It is pure text processing: no organization context, no I/O.
package refparse

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Kind identifies the textual shape a token was recognized from.
type Kind string

const (
	KindMention Kind = "mention" // @slug
	KindQuoted  Kind = "quoted"  // @"free text or id"
	KindUUID    Kind = "uuid"    // bare 8-4-4-4-12 hex
	KindURL     Kind = "url"     // absolute http(s) link
)

// Token is a span of user input recognized as a candidate reference.
// Key is the normalized matching key; Offset is the byte offset of the
// original span in the message.
type Token struct {
	Raw    string `json:"raw"`
	Key    string `json:"key"`
	Kind   Kind   `json:"kind"`
	Offset int    `json:"offset"`
}

var (
	quotedPattern  = regexp.MustCompile(`@"([^"]+)"`)
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9_-]*)`)
	uuidPattern    = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	urlPattern     = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)
)

// Parse scans a chat message and returns its reference tokens in offset
// order. Overlapping candidates are emitted once, preferring the longest
// match at a given offset: a UUID embedded in a URL yields only the URL
// token (the URL's key still prefers the embedded UUID).
func Parse(message string) []Token {
	if strings.TrimSpace(message) == "" {
		return nil
	}

	var spans []Token
	for _, m := range quotedPattern.FindAllStringSubmatchIndex(message, -1) {
		raw := message[m[0]:m[1]]
		inner := message[m[2]:m[3]]
		spans = append(spans, Token{Raw: raw, Key: normalizeKey(inner), Kind: KindQuoted, Offset: m[0]})
	}
	for _, m := range mentionPattern.FindAllStringSubmatchIndex(message, -1) {
		raw := message[m[0]:m[1]]
		spans = append(spans, Token{Raw: raw, Key: normalizeKey(message[m[2]:m[3]]), Kind: KindMention, Offset: m[0]})
	}
	for _, m := range uuidPattern.FindAllStringIndex(message, -1) {
		raw := message[m[0]:m[1]]
		spans = append(spans, Token{Raw: raw, Key: strings.ToLower(raw), Kind: KindUUID, Offset: m[0]})
	}
	for _, m := range urlPattern.FindAllStringIndex(message, -1) {
		raw := message[m[0]:m[1]]
		spans = append(spans, Token{Raw: raw, Key: urlKey(raw), Kind: KindURL, Offset: m[0]})
	}

	// Longest match first at each offset, then suppress anything contained
	// in an already accepted span.
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Offset != spans[j].Offset {
			return spans[i].Offset < spans[j].Offset
		}
		return len(spans[i].Raw) > len(spans[j].Raw)
	})

	tokens := make([]Token, 0, len(spans))
	for _, span := range spans {
		if covered(tokens, span) {
			continue
		}
		tokens = append(tokens, span)
	}
	return tokens
}

func covered(accepted []Token, span Token) bool {
	end := span.Offset + len(span.Raw)
	for _, t := range accepted {
		if span.Offset >= t.Offset && end <= t.Offset+len(t.Raw) {
			return true
		}
	}
	return false
}

// urlKey reduces an absolute URL to a matchable key: an embedded UUID when
// present, otherwise the trailing path segment without its extension.
func urlKey(raw string) string {
	if id := uuidPattern.FindString(raw); id != "" {
		return strings.ToLower(id)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return normalizeKey(raw)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	last := segments[len(segments)-1]
	if last == "" {
		return normalizeKey(parsed.Host)
	}
	if dot := strings.LastIndexByte(last, '.'); dot > 0 {
		last = last[:dot]
	}
	return normalizeKey(last)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
