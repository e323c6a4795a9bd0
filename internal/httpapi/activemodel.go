package httpapi

import (
	"sync"

	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

// ActiveModel is the process-wide ownership cell for the currently loaded
// model (spec §9: "exactly one goroutine-safe cell holds the active
// Translator handle; readers take a reference under lock and release it
// without holding the lock across a translate call"). It implements
// stepdown.ActiveModelSetter.
type ActiveModel struct {
	mu      sync.RWMutex
	current *translator.Handle
}

// NewActiveModel wraps an initially-loaded handle.
func NewActiveModel(h *translator.Handle) *ActiveModel {
	return &ActiveModel{current: h}
}

// SetActive publishes a new handle, displacing whatever was active before.
func (a *ActiveModel) SetActive(h *translator.Handle) {
	a.mu.Lock()
	a.current = h
	a.mu.Unlock()
}

// Current returns the active handle, or nil if none is loaded.
func (a *ActiveModel) Current() *translator.Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}
