package state

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// ==== TEST HELPERS ====

func testSchema() *Schema {
	s := NewSchema()
	s.Declare("scalar", Replace)
	s.Declare("log", Append)
	s.Declare("dict", Merge)
	return s
}

// ==== MERGE POLICY TESTS ====

func TestApplyReplace(t *testing.T) {
	schema := testSchema()

	t.Run("last write wins", func(t *testing.T) {
		st := New()
		var err error
		st, err = st.Apply(Delta{"scalar": "first"}, schema)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		st, err = st.Apply(Delta{"scalar": "second"}, schema)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if st["scalar"] != "second" {
			t.Errorf("scalar = %v, want second", st["scalar"])
		}
	})

	t.Run("undeclared field rejected", func(t *testing.T) {
		st := New()
		if _, err := st.Apply(Delta{"mystery": 1}, schema); err == nil {
			t.Error("expected error writing undeclared field")
		}
	})
}

func TestApplyAppend(t *testing.T) {
	schema := testSchema()

	t.Run("concatenates sequences", func(t *testing.T) {
		st := New()
		st, _ = st.Apply(Delta{"log": []any{"a", "b"}}, schema)
		st, err := st.Apply(Delta{"log": []any{"c"}}, schema)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		got, _ := st["log"].([]any)
		if len(got) != 3 || got[0] != "a" || got[2] != "c" {
			t.Errorf("log = %v, want [a b c]", got)
		}
	})

	t.Run("promotes scalar to sequence", func(t *testing.T) {
		st := New()
		st, _ = st.Apply(Delta{"log": "solo"}, schema)
		st, _ = st.Apply(Delta{"log": "duo"}, schema)
		got, _ := st["log"].([]any)
		if len(got) != 2 || got[0] != "solo" || got[1] != "duo" {
			t.Errorf("log = %v, want [solo duo]", got)
		}
	})

	t.Run("nil existing starts fresh", func(t *testing.T) {
		st := New()
		st, _ = st.Apply(Delta{"log": []any{"only"}}, schema)
		got, _ := st["log"].([]any)
		if len(got) != 1 {
			t.Errorf("log = %v, want [only]", got)
		}
	})
}

func TestApplyMerge(t *testing.T) {
	schema := testSchema()

	t.Run("later keys override earlier", func(t *testing.T) {
		st := New()
		st, _ = st.Apply(Delta{"dict": map[string]any{"a": 1, "b": 1}}, schema)
		st, err := st.Apply(Delta{"dict": map[string]any{"b": 2, "c": 3}}, schema)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		want := map[string]any{"a": 1, "b": 2, "c": 3}
		if diff := cmp.Diff(want, st["dict"]); diff != "" {
			t.Errorf("dict mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("non-map value rejected", func(t *testing.T) {
		st := New()
		if _, err := st.Apply(Delta{"dict": "not a map"}, schema); err == nil {
			t.Error("expected error merging non-map value")
		}
	})

	t.Run("nil incoming keeps existing", func(t *testing.T) {
		st := New()
		st, _ = st.Apply(Delta{"dict": map[string]any{"a": 1}}, schema)
		st, err := st.Apply(Delta{"dict": nil}, schema)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		got, _ := st["dict"].(map[string]any)
		if got["a"] != 1 {
			t.Errorf("dict = %v, want a:1 preserved", got)
		}
	})
}

// ==== CLONE TESTS ====

func TestClone(t *testing.T) {
	schema := testSchema()

	st := New()
	st, _ = st.Apply(Delta{"log": []any{"base"}}, schema)
	st, _ = st.Apply(Delta{"dict": map[string]any{"k": "v"}}, schema)

	branch := st.Clone()
	branch, _ = branch.Apply(Delta{"log": []any{"branch"}}, schema)
	branch, _ = branch.Apply(Delta{"dict": map[string]any{"k2": "v2"}}, schema)

	if diff := cmp.Diff([]any{"base"}, st["log"]); diff != "" {
		t.Errorf("original log changed after branch write (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"k": "v"}, st["dict"]); diff != "" {
		t.Errorf("original dict changed after branch write (-want +got):\n%s", diff)
	}
	if got, _ := branch["log"].([]any); len(got) != 2 {
		t.Errorf("branch log = %v, want 2 entries", got)
	}
}

// ==== CANONICAL JSON TESTS ====

func TestCanonicalJSON(t *testing.T) {
	t.Run("keys sorted independent of construction order", func(t *testing.T) {
		a, err := CanonicalJSON(map[string]any{"z": 1, "a": 2, "m": 3})
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}
		b, err := CanonicalJSON(map[string]any{"m": 3, "a": 2, "z": 1})
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("canonical forms differ: %s vs %s", a, b)
		}
	})

	t.Run("serialise then deserialise is a fixed point", func(t *testing.T) {
		st := New()
		st["messages"] = []any{map[string]any{"role": "user", "content": "hi"}}
		st["context"] = map[string]any{"n": float64(42), "flag": true}

		first, err := CanonicalJSON(st)
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}
		decoded, err := DecodeSnapshot(first)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		second, err := CanonicalJSON(decoded)
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("not a fixed point:\n%s\n%s", first, second)
		}
	})

	t.Run("identical states hash identically", func(t *testing.T) {
		h1, err := ContentHash(map[string]any{"x": []any{1, 2}, "y": "s"})
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		h2, err := ContentHash(map[string]any{"y": "s", "x": []any{1, 2}})
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if h1 != h2 {
			t.Errorf("hashes differ: %s vs %s", h1, h2)
		}
		if len(h1) != 64 {
			t.Errorf("hash length = %d, want 64 hex chars", len(h1))
		}
	})
}

// ==== SCHEMA TESTS ====

func TestBaseSchema(t *testing.T) {
	s := BaseSchema()
	checks := map[string]MergePolicy{
		FieldMessages:        Append,
		FieldWorkerResponses: Merge,
		FieldContext:         Merge,
		FieldTrace:           Append,
		FieldFinalResponse:   Replace,
	}
	for field, want := range checks {
		got, ok := s.PolicyOf(field)
		if !ok {
			t.Errorf("field %q undeclared", field)
			continue
		}
		if got != want {
			t.Errorf("field %q policy = %q, want %q", field, got, want)
		}
	}
}
