package idgen

import (
	"strings"
	"testing"
)

func TestNanoID(t *testing.T) {
	for _, length := range []int{8, 12, 16, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d) produced %q (len %d)", length, id, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("character %q outside base-36 alphabet in %q", c, id)
			}
		}
	}

	gen := NanoID(12)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q at iteration %d", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("not a canonical UUID: %q", id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatal(err)
	}
}

func TestPrefixed(t *testing.T) {
	for _, prefix := range []string{"sess_", "tab_", "aud_"} {
		id := Prefixed(prefix, NanoID(8))()
		if !strings.HasPrefix(id, prefix) || len(id) != len(prefix)+8 {
			t.Fatalf("Prefixed(%q) produced %q", prefix, id)
		}
	}
}

func TestTimestampedFormat(t *testing.T) {
	id := Timestamped(NanoID(6))()
	// 20060102T150405Z_xxxxxx
	if len(id) != 16+1+6 || id[8] != 'T' || id[15] != 'Z' || id[16] != '_' {
		t.Fatalf("bad timestamped format %q", id)
	}
}

func TestDefaultIsValidUUID(t *testing.T) {
	if _, err := Parse(New()); err != nil {
		t.Fatal(err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
