package delta

import (
	"strings"
	"testing"
)

func TestFormatAlertAppearing(t *testing.T) {
	rec := &Record{
		Added: []NodeChange{{Tag: "div", Role: "alert", Text: "Saved"}},
		URL:   "https://app.example/form", NewURL: "https://app.example/form",
		Title: "Form", NewTitle: "Form",
	}
	got := Format(rec, DefaultMaxChars)
	if got != `+ div[role="alert"]: "Saved"` {
		t.Fatalf("delta = %q", got)
	}
}

func TestFormatRemovalAndAttr(t *testing.T) {
	rec := &Record{
		Removed: []NodeChange{{Tag: "li", Text: "Old item"}},
		Attrs:   []AttrChange{{Tag: "details", ID: "faq", Attr: "open", Old: "", New: "true"}},
		Title:   "x", NewTitle: "x",
	}
	got := Format(rec, DefaultMaxChars)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), got)
	}
	if lines[0] != `- li: "Old item"` {
		t.Errorf("removal line = %q", lines[0])
	}
	if lines[1] != `~ details#faq: open ""→"true"` {
		t.Errorf("attr line = %q", lines[1])
	}
}

func TestFormatDeduplicates(t *testing.T) {
	rec := &Record{}
	for i := 0; i < 5; i++ {
		rec.Added = append(rec.Added, NodeChange{Tag: "tr", Text: "row"})
	}
	got := Format(rec, DefaultMaxChars)
	if n := strings.Count(got, "+ tr"); n != 1 {
		t.Fatalf("duplicate additions kept: %d lines\n%s", n, got)
	}
}

func TestFormatCapsPerKind(t *testing.T) {
	rec := &Record{}
	for i := 0; i < 20; i++ {
		rec.Added = append(rec.Added, NodeChange{Tag: "td", Text: strings.Repeat("v", i+1)})
	}
	got := Format(rec, 10000)
	if n := strings.Count(got, "+ td"); n != maxPerKind {
		t.Fatalf("added lines = %d, want %d", n, maxPerKind)
	}
}

func TestFormatTitleAndScrollDeltas(t *testing.T) {
	rec := &Record{
		Title: "Inbox (1)", NewTitle: "Inbox (0)",
		ScrollY: 0, NewScrollY: 640,
		URL: "u", NewURL: "u",
	}
	got := Format(rec, DefaultMaxChars)
	if !strings.Contains(got, `title: "Inbox (1)" → "Inbox (0)"`) {
		t.Errorf("title delta missing:\n%s", got)
	}
	if !strings.Contains(got, "scrollY: 0 → 640") {
		t.Errorf("scroll delta missing:\n%s", got)
	}
}

func TestFormatRespectsMaxChars(t *testing.T) {
	rec := &Record{}
	for i := 0; i < 10; i++ {
		rec.Added = append(rec.Added, NodeChange{Tag: "p", Text: strings.Repeat("long text ", 10) + string(rune('a'+i))})
	}
	got := Format(rec, 120)
	if len(got) > 120 {
		t.Fatalf("delta length %d exceeds cap", len(got))
	}
}

func TestScriptsEmbedded(t *testing.T) {
	for name, script := range map[string]string{"observe": observeScript, "collect": collectScript} {
		if !strings.Contains(script, "__ocObserver") {
			t.Errorf("%s.js missing the window slot", name)
		}
	}
	if !strings.Contains(observeScript, "attributeOldValue") {
		t.Error("observer does not request old attribute values")
	}
	for _, attr := range []string{"'aria-expanded'", "'checked'", "'href'"} {
		if !strings.Contains(observeScript, attr) {
			t.Errorf("watched attribute %s missing", attr)
		}
	}
}
