package runtimex

import (
	"errors"
	"testing"
)

func TestPanics(t *testing.T) {
	tests := []struct {
		name      string
		fn        func()
		wantPanic bool
	}{
		{"assert holds", func() { Assert(1 == 0+1, "should not panic") }, false},
		{"assert fails", func() { Assert(1 == 0, "should panic") }, true},
		{"nil error", func() { PanicOnError(nil, "should not panic") }, false},
		{"non-nil error", func() { PanicOnError(errors.New("bad thing"), "should panic") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); (r != nil) != tt.wantPanic {
					t.Errorf("recover() = %v, wantPanic %v", r, tt.wantPanic)
				}
			}()
			tt.fn()
		})
	}
}

func TestPanicOnErrorWraps(t *testing.T) {
	cause := errors.New("bad thing")
	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.Is(err, cause) {
			t.Errorf("expected a panic wrapping %v, got %v", cause, err)
		}
	}()
	PanicOnError(cause, "context")
}
