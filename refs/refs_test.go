package refs

import (
	"testing"
	"time"
)

func TestGenerateMonotonicPerTab(t *testing.T) {
	r := New()
	if got := r.Generate("s1", "t1", 142, "button", "Submit order", "BUTTON", "Submit order"); got != "ref_1" {
		t.Fatalf("first ref = %q, want ref_1", got)
	}
	if got := r.Generate("s1", "t1", 980, "link", "Home", "A", "Home"); got != "ref_2" {
		t.Fatalf("second ref = %q, want ref_2", got)
	}
	// A different tab starts its own numbering.
	if got := r.Generate("s1", "t2", 55, "", "", "DIV", ""); got != "ref_1" {
		t.Fatalf("other tab ref = %q, want ref_1", got)
	}
}

func TestGenerateReusesRefForSameNode(t *testing.T) {
	r := New()
	first := r.Generate("s1", "t1", 142, "button", "Submit", "BUTTON", "Submit")
	again := r.Generate("s1", "t1", 142, "button", "Submit", "BUTTON", "Submit")
	if first != again {
		t.Fatalf("same backend id got %q then %q", first, again)
	}
	if got := r.Count("s1", "t1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestGenerateRecordsRoleAndName(t *testing.T) {
	r := New()
	ref := r.Generate("s1", "t1", 142, "button", "Submit order", "BUTTON", "Submit order now")
	e, ok := r.Lookup("s1", "t1", ref)
	if !ok {
		t.Fatal("entry not found")
	}
	if e.Role != "button" || e.Name != "Submit order" {
		t.Fatalf("recorded role/name = %q/%q", e.Role, e.Name)
	}
	if e.Tag != "button" {
		t.Fatalf("tag not lowercased: %q", e.Tag)
	}
}

func TestResolveForms(t *testing.T) {
	r := New()
	r.Generate("s1", "t1", 142, "button", "Submit order", "BUTTON", "Submit order")

	tests := []struct {
		handle string
		want   int
		ok     bool
	}{
		{"ref_1", 142, true},
		{"142", 142, true},
		{"node_142", 142, true},
		{"ref_9", 0, false},
		{"totally_invalid", 0, false},
		{"node_abc", 0, false},
		{"0", 0, false},
		{"-5", 0, false},
		{"2147483647", 2147483647, true},
		{"2147483648", 0, false},
		// Non-canonical integer spellings are rejected outright.
		{"01", 0, false},
		{"007", 0, false},
		{"+5", 0, false},
		{" 5", 0, false},
		{"node_01", 0, false},
		{"node_+5", 0, false},
	}
	for _, tc := range tests {
		got, ok := r.Resolve("s1", "t1", tc.handle)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Resolve(%q) = %d, %v; want %d, %v", tc.handle, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolveIsolatedByTab(t *testing.T) {
	r := New()
	r.Generate("s1", "t1", 142, "button", "Submit", "BUTTON", "Submit")
	if _, ok := r.Resolve("s1", "t2", "ref_1"); ok {
		t.Fatal("ref resolved on the wrong tab")
	}
	if _, ok := r.Resolve("s2", "t1", "ref_1"); ok {
		t.Fatal("ref resolved on the wrong session")
	}
}

func TestValidateTagMismatch(t *testing.T) {
	r := New()
	r.Generate("s1", "t1", 142, "button", "Submit", "BUTTON", "Submit")
	if v := r.Validate("s1", "t1", "ref_1", "div", "Submit"); v.Valid {
		t.Fatal("tag mismatch validated")
	} else if v.Reason == "" {
		t.Fatal("invalid result carries no reason")
	}
	// Tag comparison ignores case.
	if v := r.Validate("s1", "t1", "ref_1", "Button", "Submit"); !v.Valid {
		t.Fatalf("case-insensitive tag rejected: %s", v.Reason)
	}
}

func TestValidateTextMismatchInvalidatesFreshRef(t *testing.T) {
	r := New()
	r.Generate("s1", "t1", 142, "button", "Submit order", "BUTTON", "Submit order now")
	// A changed text prefix invalidates even well inside the TTL.
	v := r.Validate("s1", "t1", "ref_1", "button", "completely different text")
	if v.Valid {
		t.Fatal("fresh ref with changed text validated")
	}
	if v.Reason == "" {
		t.Fatal("invalid result carries no reason")
	}
}

func TestValidateOldRefIsStaleNotInvalid(t *testing.T) {
	r := New()
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Generate("s1", "t1", 142, "button", "Submit", "BUTTON", "  Submit your order right away today  ")

	r.now = func() time.Time { return base.Add(StaleTTL + time.Second) }
	// Still matching: valid, but flagged stale so callers can warn.
	v := r.Validate("s1", "t1", "ref_1", "button", "Submit your order right away today")
	if !v.Valid {
		t.Fatalf("matching old ref rejected: %s", v.Reason)
	}
	if !v.Stale {
		t.Fatal("old ref not flagged stale")
	}
	// Mismatching: plain invalid, not stale.
	if v := r.Validate("s1", "t1", "ref_1", "button", "Cancel"); v.Valid {
		t.Fatal("old ref with changed text validated")
	}
}

func TestValidateFreshMatchingRefNotStale(t *testing.T) {
	r := New()
	r.Generate("s1", "t1", 142, "button", "Submit", "BUTTON", "Submit")
	v := r.Validate("s1", "t1", "ref_1", "button", "Submit")
	if !v.Valid || v.Stale {
		t.Fatalf("fresh matching ref = %+v", v)
	}
}

func TestValidateUnknownRefPasses(t *testing.T) {
	r := New()
	// Numeric handles were never registered; there is nothing to compare.
	if v := r.Validate("s1", "t1", "ref_7", "div", "anything"); !v.Valid {
		t.Fatal("unknown ref failed validation")
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Generate("s1", "t1", 1, "link", "", "A", "")
	r.Generate("s1", "t2", 2, "link", "", "A", "")
	r.Generate("s2", "t1", 3, "link", "", "A", "")

	r.ClearTab("s1", "t1")
	if got := r.Count("s1", "t1"); got != 0 {
		t.Fatalf("after ClearTab count = %d", got)
	}
	if got := r.Count("s1", "t2"); got != 1 {
		t.Fatal("ClearTab touched a sibling tab")
	}

	r.ClearSession("s1")
	if got := r.Count("s1", "t2"); got != 0 {
		t.Fatal("ClearSession left refs behind")
	}
	if got := r.Count("s2", "t1"); got != 1 {
		t.Fatal("ClearSession touched another session")
	}
}
