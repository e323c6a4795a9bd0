// Package translator defines the Translator/Tokenizer engine capability and
// the load/unload pipeline around it (spec §4.6, §9's "Engine abstraction").
// The concrete inference backend (CTranslate2 in the original Python
// implementation) is a pluggable implementation of these interfaces; this
// package never imports engine-specific bindings.
package translator

import "context"

// Translator is a constructed, device-resident inference engine instance
// for one (model, device, compute-type) combo.
type Translator interface {
	// Translate runs beam-search generation on tok, forcing targetPrefix as
	// the first decoded tokens, bounded by beamSize and maxLength.
	Translate(ctx context.Context, tok []string, targetPrefix []string, beamSize, maxLength int) ([]string, error)

	// Release instructs the engine to free device memory. Idempotent.
	Release()
}

// Engine constructs Translators and reports the compute types a device
// supports. Implementations are pluggable (spec §9).
type Engine interface {
	// SupportedComputeTypes returns the compute-type names the backend can
	// run on device, in no particular order.
	SupportedComputeTypes(device string) []string

	// NewTranslator constructs a Translator from a local model directory at
	// modelPath, on device, at computeType.
	NewTranslator(modelPath, device, computeType string) (Translator, error)
}

// Tokenizer is the parallel capability to Translator: encode/decode between
// text and the engine's subword vocabulary (spec §9).
type Tokenizer interface {
	Encode(text string) ([]string, error)
	Decode(pieces []string) (string, error)
}

// TokenizerLoader constructs a Tokenizer from a local artifact path.
type TokenizerLoader interface {
	Load(tokenizerPath string) (Tokenizer, error)
}
