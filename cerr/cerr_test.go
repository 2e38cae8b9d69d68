package cerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindQueueTimeout, "operation exceeded %v", "120s")
	if got := KindOf(err); got != KindQueueTimeout {
		t.Errorf("KindOf: got %q, want %q", got, KindQueueTimeout)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf on plain error should be empty")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindSessionIsolation, "tab t1 not owned by session s2")
	outer := fmt.Errorf("enqueue: %w", inner)
	if !Is(outer, KindSessionIsolation) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
}

func TestWrapPreservesMessage(t *testing.T) {
	cause := errors.New("Execution context was destroyed")
	err := Wrap(KindCDPProtocol, cause)
	want := "cdp.protocol: Execution context was destroyed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable via errors.Is")
	}
}
