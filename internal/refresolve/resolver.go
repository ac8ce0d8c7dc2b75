// Package refresolve matches parsed reference tokens against an
// organization's candidate set using a tiered policy: exact, then prefix,
// then substring. The first tier with any matching candidate decides the
// token's fate; ambiguity at a tighter tier never falls through to a looser
// one. Resolution is a pure read and never persists state.
package refresolve

import (
	"fmt"
	"strings"

	"quill/api/internal/refparse"
)

// Mode controls which candidate fields are surfaced, never the matching
// algorithm itself.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
)

// ParseMode validates a mode string from the boundary.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeChat, ModeAgent:
		return Mode(s), nil
	case "":
		return ModeChat, nil
	}
	return "", fmt.Errorf("unknown resolver mode %q", s)
}

// Tier is the precedence level a match was found at.
type Tier int

const (
	TierExact Tier = iota + 1
	TierPrefix
	TierSubstring
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierPrefix:
		return "prefix"
	case TierSubstring:
		return "substring"
	}
	return "none"
}

// CandidateKind separates content documents from ingested source material.
type CandidateKind string

const (
	KindContent CandidateKind = "content"
	KindSource  CandidateKind = "source"
)

// Candidate is a queryable projection of a Content or SourceContent row.
type Candidate struct {
	Kind           CandidateKind `json:"kind"`
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	Title          string        `json:"title"`
	Slug           string        `json:"slug,omitempty"`
	ExternalID     string        `json:"externalId,omitempty"`
	Excerpt        string        `json:"excerpt,omitempty"`
}

// keys returns the normalized matchable keys of the candidate. Empty keys
// are skipped so a source without an external id never matches "".
func (c Candidate) keys() []string {
	keys := make([]string, 0, 3)
	for _, k := range []string{c.Slug, c.Title, c.ExternalID, c.ID} {
		if k != "" {
			keys = append(keys, strings.ToLower(strings.TrimSpace(k)))
		}
	}
	return keys
}

// Match is a token resolved to exactly one candidate.
type Match struct {
	Token     refparse.Token `json:"token"`
	Candidate Candidate      `json:"candidate"`
	Tier      string         `json:"tier"`
}

// AmbiguousMatch is a token that matched two or more candidates at the same
// tier; the caller disambiguates. This is data, not an error.
type AmbiguousMatch struct {
	Token      refparse.Token `json:"token"`
	Candidates []Candidate    `json:"candidates"`
	Tier       string         `json:"tier"`
}

// Result buckets every input token exactly once.
type Result struct {
	Tokens     []refparse.Token `json:"tokens"`
	Resolved   []Match          `json:"resolved"`
	Ambiguous  []AmbiguousMatch `json:"ambiguous"`
	Unresolved []refparse.Token `json:"unresolved"`
}

// Options scope a resolution run.
type Options struct {
	// CurrentContentID is excluded from matching so a document does not
	// resolve references to itself, unless IncludeSelf is set.
	CurrentContentID string
	IncludeSelf      bool
	Mode             Mode
}

// Resolve applies the tiered match policy to every token.
func Resolve(tokens []refparse.Token, candidates []Candidate, opts Options) Result {
	result := Result{
		Tokens:     tokens,
		Resolved:   []Match{},
		Ambiguous:  []AmbiguousMatch{},
		Unresolved: []refparse.Token{},
	}

	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !opts.IncludeSelf && opts.CurrentContentID != "" && c.Kind == KindContent && c.ID == opts.CurrentContentID {
			continue
		}
		pool = append(pool, c)
	}

	for _, token := range tokens {
		matches, tier := matchToken(token.Key, pool)
		switch len(matches) {
		case 0:
			result.Unresolved = append(result.Unresolved, token)
		case 1:
			result.Resolved = append(result.Resolved, Match{
				Token:     token,
				Candidate: shape(matches[0], opts.Mode),
				Tier:      tier.String(),
			})
		default:
			shaped := make([]Candidate, len(matches))
			for i, m := range matches {
				shaped[i] = shape(m, opts.Mode)
			}
			result.Ambiguous = append(result.Ambiguous, AmbiguousMatch{
				Token:      token,
				Candidates: shaped,
				Tier:       tier.String(),
			})
		}
	}
	return result
}

// matchToken evaluates tiers in order and stops at the first tier with any
// matching candidates.
func matchToken(key string, pool []Candidate) ([]Candidate, Tier) {
	if key == "" {
		return nil, 0
	}
	for _, tier := range []Tier{TierExact, TierPrefix, TierSubstring} {
		var matches []Candidate
		for _, c := range pool {
			if candidateMatches(c, key, tier) {
				matches = append(matches, c)
			}
		}
		if len(matches) > 0 {
			return matches, tier
		}
	}
	return nil, 0
}

func candidateMatches(c Candidate, key string, tier Tier) bool {
	for _, candidateKey := range c.keys() {
		switch tier {
		case TierExact:
			if candidateKey == key {
				return true
			}
		case TierPrefix:
			if strings.HasPrefix(candidateKey, key) {
				return true
			}
		case TierSubstring:
			if strings.Contains(candidateKey, key) {
				return true
			}
		}
	}
	return false
}

// shape trims the candidate down to the mode's surface: chat mode carries
// display fields only, agent mode keeps matching keys and source excerpts.
func shape(c Candidate, mode Mode) Candidate {
	if mode == ModeAgent {
		return c
	}
	return Candidate{
		Kind:           c.Kind,
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		Title:          c.Title,
		Slug:           c.Slug,
	}
}
