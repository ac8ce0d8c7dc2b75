package refresolve

import (
	"testing"

	"quill/api/internal/refparse"
)

func recipeCandidates() []Candidate {
	return []Candidate{
		{Kind: KindContent, ID: "1", OrganizationID: "org-a", Slug: "classic-gingerbread-cookies", Title: "Classic Gingerbread Cookies"},
		{Kind: KindContent, ID: "2", OrganizationID: "org-a", Slug: "classic-chocolate-cake", Title: "Classic Chocolate Cake"},
		{Kind: KindContent, ID: "3", OrganizationID: "org-a", Slug: "gingerbread-basics", Title: "Gingerbread Basics"},
	}
}

func token(key string) refparse.Token {
	return refparse.Token{Raw: "@" + key, Key: key, Kind: refparse.KindMention}
}

func TestResolveExactMatch(t *testing.T) {
	result := Resolve([]refparse.Token{token("gingerbread-basics")}, recipeCandidates(), Options{Mode: ModeChat})
	if len(result.Resolved) != 1 || len(result.Ambiguous) != 0 || len(result.Unresolved) != 0 {
		t.Fatalf("unexpected buckets: %+v", result)
	}
	if result.Resolved[0].Candidate.ID != "3" {
		t.Errorf("expected candidate 3, got %s", result.Resolved[0].Candidate.ID)
	}
	if result.Resolved[0].Tier != "exact" {
		t.Errorf("expected exact tier, got %s", result.Resolved[0].Tier)
	}
}

func TestResolveAmbiguousPrefixDoesNotFallThrough(t *testing.T) {
	result := Resolve([]refparse.Token{token("classic")}, recipeCandidates(), Options{Mode: ModeChat})
	if len(result.Resolved) != 0 {
		t.Fatalf("ambiguous token must not resolve: %+v", result.Resolved)
	}
	if len(result.Ambiguous) != 1 {
		t.Fatalf("expected 1 ambiguous token, got %d", len(result.Ambiguous))
	}
	amb := result.Ambiguous[0]
	if amb.Tier != "prefix" {
		t.Errorf("expected prefix tier, got %s", amb.Tier)
	}
	ids := map[string]bool{}
	for _, c := range amb.Candidates {
		ids[c.ID] = true
	}
	if !ids["1"] || !ids["2"] || len(ids) != 2 {
		t.Errorf("expected candidates {1,2}, got %v", ids)
	}
}

func TestResolveSingleLooserMatch(t *testing.T) {
	result := Resolve([]refparse.Token{token("gingerbread")}, recipeCandidates(), Options{Mode: ModeChat})
	if len(result.Resolved) != 1 {
		t.Fatalf("expected single resolution, got %+v", result)
	}
	if result.Resolved[0].Candidate.ID != "3" {
		t.Errorf("expected candidate 3, got %s", result.Resolved[0].Candidate.ID)
	}
}

func TestResolveUnresolved(t *testing.T) {
	result := Resolve([]refparse.Token{token("nonexistent-thing")}, recipeCandidates(), Options{})
	if len(result.Unresolved) != 1 || len(result.Resolved) != 0 || len(result.Ambiguous) != 0 {
		t.Fatalf("unexpected buckets: %+v", result)
	}
}

func TestResolveExcludesCurrentContent(t *testing.T) {
	tokens := []refparse.Token{token("gingerbread-basics")}
	result := Resolve(tokens, recipeCandidates(), Options{CurrentContentID: "3"})
	if len(result.Resolved) != 0 {
		t.Fatalf("self reference must be excluded: %+v", result.Resolved)
	}
	if len(result.Unresolved) != 1 {
		t.Fatalf("expected token unresolved, got %+v", result)
	}

	withSelf := Resolve(tokens, recipeCandidates(), Options{CurrentContentID: "3", IncludeSelf: true})
	if len(withSelf.Resolved) != 1 {
		t.Fatalf("IncludeSelf should allow the match, got %+v", withSelf)
	}
}

func TestResolveSourceCandidatesByExternalID(t *testing.T) {
	candidates := append(recipeCandidates(), Candidate{
		Kind: KindSource, ID: "src-1", OrganizationID: "org-a",
		Title: "Holiday Baking Transcript", ExternalID: "yt-x81k", Excerpt: "today we bake",
	})
	result := Resolve([]refparse.Token{token("yt-x81k")}, candidates, Options{Mode: ModeAgent})
	if len(result.Resolved) != 1 {
		t.Fatalf("expected external id match, got %+v", result)
	}
	got := result.Resolved[0].Candidate
	if got.Kind != KindSource || got.ID != "src-1" {
		t.Errorf("unexpected candidate: %+v", got)
	}
	if got.Excerpt == "" {
		t.Error("agent mode should surface the excerpt")
	}
}

func TestChatModeStripsAgentFields(t *testing.T) {
	candidates := []Candidate{{
		Kind: KindSource, ID: "src-1", OrganizationID: "org-a",
		Title: "Transcript", ExternalID: "yt-x81k", Excerpt: "secret sauce",
	}}
	result := Resolve([]refparse.Token{token("yt-x81k")}, candidates, Options{Mode: ModeChat})
	if len(result.Resolved) != 1 {
		t.Fatalf("mode must not change matching, got %+v", result)
	}
	got := result.Resolved[0].Candidate
	if got.Excerpt != "" || got.ExternalID != "" {
		t.Errorf("chat mode should strip excerpt and external id: %+v", got)
	}
}

func TestParseModeValidation(t *testing.T) {
	if mode, err := ParseMode(""); err != nil || mode != ModeChat {
		t.Errorf("empty mode should default to chat, got %v %v", mode, err)
	}
	if _, err := ParseMode("batch"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
