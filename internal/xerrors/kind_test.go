package xerrors

import (
	"errors"
	"fmt"
	"testing"
)

// Mark / KindOf

func TestMark_NilReturnsNil(t *testing.T) {
	if Mark(nil, KindConflict) != nil {
		t.Fatal("Mark(nil) should return nil")
	}
}

func TestMark_PreservesMessageAndChain(t *testing.T) {
	err := Mark(errSentinel, KindIntegrity)
	if err.Error() != "sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("errors.Is should reach the marked error")
	}
}

func TestKindOf_ThroughWraps(t *testing.T) {
	err := Wrap(Mark(New("locked"), KindConflict), "export DoV")
	err = fmt.Errorf("run: %w", err)
	if got := KindOf(err); got != KindConflict {
		t.Fatalf("KindOf = %v, want conflict", got)
	}
}

func TestKindOf_OutermostWins(t *testing.T) {
	inner := Mark(New("timeout"), KindTransport)
	outer := Mark(Wrap(inner, "await"), KindPartial)
	if got := KindOf(outer); got != KindPartial {
		t.Fatalf("KindOf = %v, want partial", got)
	}
	if !Is(outer, KindTransport) {
		t.Fatal("Is should find inner transport kind")
	}
}

func TestKindOf_Unmarked(t *testing.T) {
	if got := KindOf(errors.New("x")); got != KindUnknown {
		t.Fatalf("KindOf = %v, want unknown", got)
	}
	if KindOf(nil) != KindUnknown {
		t.Fatal("KindOf(nil) should be unknown")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Mark(errors.New("503"), KindTransport)) {
		t.Fatal("transport should be retryable")
	}
	if Retryable(Mark(errors.New("404"), KindUnknown)) {
		t.Fatal("unknown should not be retryable")
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{KindTransport, "transport"},
		{KindConflict, "conflict"},
		{KindIntegrity, "integrity"},
		{KindGap, "gap"},
		{KindPartial, "partial"},
		{KindAborted, "aborted"},
		{KindNothingToDo, "nothing_to_do"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}
