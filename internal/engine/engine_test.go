package engine

import (
	"context"
	"testing"
)

func TestReference_TranslateAppliesPrefixAndCap(t *testing.T) {
	eng := New()
	tr, err := eng.NewTranslator("/models/x", "cpu", "int8")
	if err != nil {
		t.Fatalf("NewTranslator: %v", err)
	}

	out, err := tr.Translate(context.Background(), []string{"hello", "world"}, []string{"__en__"}, 4, 10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := []string{"__en__", "hello", "world"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("token %d: expected %q, got %q", i, want[i], out[i])
		}
	}
}

func TestReference_TranslateRespectsMaxLength(t *testing.T) {
	eng := New()
	tr, _ := eng.NewTranslator("/models/x", "cpu", "int8")
	out, err := tr.Translate(context.Background(), []string{"a", "b", "c"}, nil, 4, 2)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected output truncated to maxLength 2, got %d", len(out))
	}
}

func TestReference_TranslateAfterReleaseFails(t *testing.T) {
	eng := New()
	tr, _ := eng.NewTranslator("/models/x", "cpu", "int8")
	tr.Release()
	if _, err := tr.Translate(context.Background(), []string{"a"}, nil, 4, 10); err == nil {
		t.Fatalf("expected error translating after Release")
	}
}

func TestTokenizer_EncodeDecodeRoundTrip(t *testing.T) {
	tok := Tokenizer{}
	pieces, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text, err := tok.Decode(pieces)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello world" {
		t.Errorf("expected round trip to preserve text, got %q", text)
	}
}

func TestSupportedComputeTypes(t *testing.T) {
	eng := New()
	types := eng.SupportedComputeTypes("cpu")
	found := false
	for _, ct := range types {
		if ct == "int8" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected int8 among supported compute types, got %v", types)
	}
}
