package optional

import (
	"encoding/json"
	"testing"
)

func TestValue(t *testing.T) {
	t.Run("none is empty", func(t *testing.T) {
		v := None[int]()
		if !v.IsNone() {
			t.Fatal("expected none")
		}
		if got := v.UnwrapOr(7); got != 7 {
			t.Fatalf("UnwrapOr() = %d", got)
		}
		if _, ok := v.Get(); ok {
			t.Fatal("Get() should report unset")
		}
	})
	t.Run("some holds the value", func(t *testing.T) {
		v := Some(uint16(1200))
		if v.IsNone() {
			t.Fatal("expected some")
		}
		if got := v.Unwrap(); got != 1200 {
			t.Fatalf("Unwrap() = %d", got)
		}
	})
	t.Run("some of a nil pointer is none", func(t *testing.T) {
		var p *int
		if !Some(p).IsNone() {
			t.Fatal("expected none")
		}
	})
	t.Run("unwrap of none panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		None[string]().Unwrap()
	})
}

func TestValue_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Value[int] `json:"a"`
		B Value[int] `json:"b"`
	}{A: Some(3), B: None[int]()})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":3,"b":null}` {
		t.Fatalf("unexpected json: %s", data)
	}
}
