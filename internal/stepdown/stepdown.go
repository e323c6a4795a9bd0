// Package stepdown implements the fixed-chain model downgrade controller
// (spec §4.7): on sustained pressure, unload the current model, record the
// failing combo to the ledger, and load the next smaller model.
package stepdown

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

// ErrChainExhausted is returned when the current model has no next-smaller
// entry in the stepdown chain. The caller must reject subsequent translate
// requests with "service degraded" while this holds.
var ErrChainExhausted = errors.New("stepdown: chain exhausted, no further stepdown")

// ActiveModelSetter publishes the new active model after a successful
// stepdown. Implemented by whatever owns the process-wide Translator
// handle (the translate endpoint's ownership cell, spec §9).
type ActiveModelSetter interface {
	SetActive(h *translator.Handle)
}

// AuditSink records a completed stepdown to the operational audit history
// (internal/auditstore). Optional: nil disables audit recording without
// affecting the stepdown sequence itself.
type AuditSink interface {
	RecordStepdown(from, to, reason string, snapshot map[string]any) error
}

// Controller runs the stepdown sequence described in spec §4.7.
type Controller struct {
	log     *zap.Logger
	catalog *selector.Catalog
	ledger  *ledger.Ledger
	loader  *translator.Loader
	monitor *resource.Monitor
	active  ActiveModelSetter
	audit   AuditSink
}

// New creates a Controller.
func New(log *zap.Logger, catalog *selector.Catalog, led *ledger.Ledger, loader *translator.Loader, monitor *resource.Monitor, active ActiveModelSetter) *Controller {
	return &Controller{log: log, catalog: catalog, ledger: led, loader: loader, monitor: monitor, active: active}
}

// SetAuditSink attaches an optional audit recorder for completed
// stepdowns. Must be called before Stepdown runs concurrently with it.
func (c *Controller) SetAuditSink(a AuditSink) {
	c.audit = a
}

// Stepdown runs the full sequence for currentModel at (computeType, device),
// recording reason and snapshot as the cause. Returns the new active model
// id on success, or ErrChainExhausted if currentModel is the end of the
// chain.
func (c *Controller) Stepdown(ctx context.Context, current *translator.Handle, reason string, snap resource.Snapshot) (string, error) {
	nextModel, ok := c.catalog.NextInChain(current.ModelID)
	if !ok || nextModel == "" {
		c.log.Error("stepdown chain exhausted", zap.String("model_id", current.ModelID))
		c.monitor.RecordStepdown(current.ModelID, "")
		return "", ErrChainExhausted
	}

	if err := c.ledger.RecordFailure(current.ModelID, current.ComputeType, current.Device, reason, snap.LogFields()); err != nil {
		c.log.Error("failed to record stepdown cause to ledger", zap.Error(err))
	}

	c.loader.Unload(ctx, current)
	// current is now a released handle: whatever error path follows must
	// clear it from ActiveModel rather than leave callers holding a dead
	// Translator/Tokenizer pair, so /translate degrades to "model not
	// loaded" instead of panicking on a nil-backed handle.
	c.active.SetActive(nil)

	spec, ok := c.catalog.ByModelID(nextModel)
	if !ok {
		return "", fmt.Errorf("stepdown: unknown next model %q", nextModel)
	}
	estimatedMB := c.catalog.EstimateMemoryMB(spec, current.ComputeType)

	next, err := c.loader.Load(ctx, nextModel, current.Device, current.ComputeType, estimatedMB)
	if err != nil {
		return "", fmt.Errorf("stepdown: load %q: %w", nextModel, err)
	}

	c.monitor.ClearPressure()
	c.monitor.RecordStepdown(current.ModelID, nextModel)
	c.active.SetActive(next)
	if c.audit != nil {
		if err := c.audit.RecordStepdown(current.ModelID, nextModel, reason, snap.LogFields()); err != nil {
			c.log.Warn("failed to record stepdown to audit history", zap.Error(err))
		}
	}

	c.log.Warn("stepdown complete",
		zap.String("from", current.ModelID), zap.String("to", nextModel), zap.String("reason", reason))
	return nextModel, nil
}
