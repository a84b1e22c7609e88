package readoutcard

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	err := NewError(ErrorBusyTimeout, "BUSY did not clear").WithRegisterIndex(0x7b)
	if !IsKind(err, ErrorBusyTimeout) {
		t.Error("IsKind should match the tagged kind")
	}
	if IsKind(err, ErrorFifoFull) {
		t.Error("IsKind matched the wrong kind")
	}
	if KindOf(err) != ErrorBusyTimeout {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != ErrorUnknown {
		t.Error("KindOf of a foreign error should be Unknown")
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("mmap failed")
	err := WrapError(ErrorWrongBar, "mapping control bar", cause).WithBarIndex(1)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("errors.As failed")
	}
	if e.Context.BarIndex == nil || *e.Context.BarIndex != 1 {
		t.Error("bar index context lost")
	}
}

func TestSentinelsCarryKinds(t *testing.T) {
	if !IsKind(ErrFifoFull, ErrorFifoFull) {
		t.Error("ErrFifoFull kind mismatch")
	}
	if !IsKind(ErrNoReadySuperpage, ErrorNoReadySuperpage) {
		t.Error("ErrNoReadySuperpage kind mismatch")
	}
}
