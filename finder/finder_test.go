package finder

import (
	"reflect"
	"strings"
	"testing"

	"github.com/hazyhaar/openchrome/cerr"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"the submit button", []string{"submit", "button"}},
		{"Click ON a Link to Checkout", []string{"click", "link", "checkout"}},
		{"a an the of", nil},
		{"x y search", []string{"search"}},
		{"", nil},
	}
	for _, tc := range tests {
		if got := Tokenize(tc.query); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestScoreReferenceCase(t *testing.T) {
	button := Candidate{Role: "button", Name: "Submit", Tag: "button", Width: 100, Height: 40}
	icon := Candidate{Role: "generic", Name: "Submit icon", Tag: "div", Width: 8, Height: 8}

	if got := Score("submit button", button); got != 160 {
		t.Errorf("button score = %d, want 160", got)
	}
	if got := Score("submit button", icon); got != 45 {
		t.Errorf("icon score = %d, want 45", got)
	}
}

func TestScoreAriaExact(t *testing.T) {
	c := Candidate{Role: "textbox", AriaLabel: "Email address", Tag: "input", Width: 200, Height: 30}
	// aria exact (90) + input keyword vs textbox role (30) + size (10).
	// "textbox" role is not in the ranked set.
	if got := Score("email address input", c); got != 130 {
		t.Errorf("score = %d, want 130", got)
	}
}

func TestScorePureRoleQuery(t *testing.T) {
	c := Candidate{Role: "switch", Name: "Dark mode", Tag: "span", Width: 60, Height: 24}
	// No core text: role keyword (30) + ranked role (20) + size (10).
	if got := Score("the toggle", c); got != 60 {
		t.Errorf("score = %d, want 60", got)
	}
}

func TestRankReturnsHighestScore(t *testing.T) {
	candidates := []Candidate{
		{Role: "generic", Name: "Submit icon", Tag: "div", Width: 8, Height: 8},
		{Role: "button", Name: "Submit", Tag: "button", Width: 100, Height: 40},
		{Role: "link", Name: "Submit feedback", Tag: "a", Width: 120, Height: 20},
	}
	m, err := Rank("submit button", candidates)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if m.Name != "Submit" {
		t.Fatalf("winner = %q, want Submit", m.Name)
	}
	for _, c := range candidates {
		if s := Score("submit button", c); s > m.Score {
			t.Fatalf("winner score %d below candidate %q (%d)", m.Score, c.Name, s)
		}
	}
}

func TestRankBelowThreshold(t *testing.T) {
	candidates := []Candidate{
		{Role: "generic", Name: "Footer", Tag: "div", Width: 5, Height: 5},
	}
	_, err := Rank("purchase history", candidates)
	if !cerr.Is(err, cerr.KindFinderLowConfidence) {
		t.Fatalf("err = %v, want kind %q", err, cerr.KindFinderLowConfidence)
	}
	// Diagnostics carry the runner-up's name.
	if !strings.Contains(err.Error(), "Footer") {
		t.Fatalf("error lacks best-candidate name: %v", err)
	}
}

func TestRankEmpty(t *testing.T) {
	_, err := Rank("anything", nil)
	if !cerr.Is(err, cerr.KindFinderNoMatch) {
		t.Fatalf("err = %v, want kind %q", err, cerr.KindFinderNoMatch)
	}
}

func TestFindScriptEmbedded(t *testing.T) {
	if !strings.Contains(findScript, "__ocFinderSlot") {
		t.Fatal("find.js missing the window slot")
	}
	if !strings.HasPrefix(strings.TrimSpace(findScript), "(query) =>") {
		t.Fatal("find.js is not a single arrow function")
	}
}
