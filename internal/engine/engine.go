// Package engine is the default, pure-Go implementation of the
// translator.Engine/Tokenizer capabilities (spec §9's "Engine abstraction").
// The original Python implementation binds to CTranslate2, a native C++
// inference runtime with no idiomatic Go binding in this dependency
// corpus; rather than fabricate a cgo wrapper, this package ships a
// whitespace-level reference engine that satisfies the same interfaces so
// the sidecar runs end to end (artifact resolution, loading, pressure
// accounting, stepdown, benchmarking) without requiring native bindings.
// A production deployment swaps this package out for a real
// CTranslate2-backed implementation behind the identical interface.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

// Reference is a CPU-only stand-in for a real inference backend. It
// reports the fixed compute-type list the sidecar's selector already
// knows how to fall back across, and constructs Translators that echo
// their input tokens back under the requested target prefix.
type Reference struct{}

// New creates a Reference engine.
func New() *Reference {
	return &Reference{}
}

var _ translator.Engine = (*Reference)(nil)

// SupportedComputeTypes reports the same four precisions the selector's
// preference lists cycle through; Reference does not distinguish between
// them numerically, it only tracks which one was requested.
func (Reference) SupportedComputeTypes(device string) []string {
	return []string{"int8_float16", "float16", "int8", "float32"}
}

// NewTranslator constructs a referenceTranslator for modelPath. modelPath
// is accepted but not read — Reference does no real weight loading.
func (Reference) NewTranslator(modelPath, device, computeType string) (translator.Translator, error) {
	return &referenceTranslator{modelPath: modelPath, device: device, computeType: computeType}, nil
}

type referenceTranslator struct {
	modelPath, device, computeType string
	released                       bool
}

// Translate appends the target prefix ahead of the source tokens and
// returns that as the "translation" — deterministic and fast, which is
// what the pressure/stepdown/benchmark machinery needs to exercise
// without a real model loaded.
func (t *referenceTranslator) Translate(ctx context.Context, tok []string, targetPrefix []string, beamSize, maxLength int) ([]string, error) {
	if t.released {
		return nil, fmt.Errorf("engine: translator for %q already released", t.modelPath)
	}
	out := make([]string, 0, len(targetPrefix)+len(tok))
	out = append(out, targetPrefix...)
	out = append(out, tok...)
	if maxLength > 0 && len(out) > maxLength {
		out = out[:maxLength]
	}
	return out, nil
}

func (t *referenceTranslator) Release() {
	t.released = true
}

// Tokenizer is a whitespace-level stand-in for the real subword
// tokenizer (SentencePiece in the original implementation).
type Tokenizer struct{}

var _ translator.Tokenizer = Tokenizer{}

func (Tokenizer) Encode(text string) ([]string, error) {
	return strings.Fields(text), nil
}

func (Tokenizer) Decode(pieces []string) (string, error) {
	return strings.Join(pieces, " "), nil
}

// TokenizerLoader constructs Tokenizer regardless of the artifact path —
// Reference never reads the on-disk SentencePiece model.
type TokenizerLoader struct{}

var _ translator.TokenizerLoader = TokenizerLoader{}

func (TokenizerLoader) Load(tokenizerPath string) (translator.Tokenizer, error) {
	return Tokenizer{}, nil
}
