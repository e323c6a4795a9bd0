package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/stepdown"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

type translateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type translateMetricsBody struct {
	InputTokens        int     `json:"input_tokens"`
	OutputTokens       int     `json:"output_tokens"`
	TokenizeMS         float64 `json:"tokenize_ms"`
	GenerateMS         float64 `json:"generate_ms"`
	TTFTMS             float64 `json:"ttft_ms"`
	DecodeMS           float64 `json:"decode_ms"`
	TotalMS            float64 `json:"total_ms"`
	ThroughputTokensPS float64 `json:"throughput_tokens_per_sec"`
}

type translateWarningBody struct {
	Type            string                  `json:"type"`
	AttemptedModel  string                  `json:"attempted_model"`
	ActiveModel     string                  `json:"active_model"`
	Reason          string                  `json:"reason"`
	BreachedLimits  []string                `json:"breached_limits"`
	PressureTimeline []resource.RelativeEvent `json:"pressure_timeline"`
}

// memoryPressureStepdownType is the warning.type value spec §8 scenario 2
// mandates for the post-call pressure warning.
const memoryPressureStepdownType = "memory_pressure_stepdown"

type translateResponse struct {
	Translation string                `json:"translation"`
	ElapsedMS   float64               `json:"elapsed_ms"`
	Metrics     translateMetricsBody  `json:"metrics"`
	Warning     *translateWarningBody `json:"warning,omitempty"`
}

// handleTranslate implements POST /translate (spec §4.8).
func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	current := s.active.Current()
	if current == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}

	if degraded, reason := s.serviceDegraded(); degraded {
		writeJSONError(w, http.StatusServiceUnavailable, "service degraded: "+reason)
		return
	}

	translation, metrics, err := current.TranslateWithMetrics(r.Context(), req.Text,
		[]string{req.TargetLang}, s.beamSize, s.maxLength)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TranslateRequestsTotal.WithLabelValues("error").Inc()
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := translateResponse{
		Translation: translation,
		ElapsedMS:   metrics.TotalMS,
		Metrics: translateMetricsBody{
			InputTokens:  metrics.InputTokens,
			OutputTokens: metrics.OutputTokens,
			TokenizeMS:   metrics.TokenizeMS,
			GenerateMS:   metrics.GenerateMS,
			TTFTMS:       metrics.GenerateMsPerToken,
			DecodeMS:     metrics.DecodeMS,
			TotalMS:      metrics.TotalMS,
		},
	}
	if metrics.TotalMS > 0 {
		resp.Metrics.ThroughputTokensPS = float64(metrics.OutputTokens) / (metrics.TotalMS / 1000)
	}

	outcome := "ok"
	if lvl, reason, snap := s.monitor.PressureState(); lvl == resource.LevelCritical {
		outcome = "degraded"
		resp.Warning = s.handlePostCallPressure(r.Context(), current, reason, snap)
	}

	if s.metrics != nil {
		s.metrics.TranslateRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.TranslateLatency.Observe(metrics.TotalMS / 1000)
	}

	writeJSON(w, http.StatusOK, resp)
}

// serviceDegraded reports whether the stepdown chain is exhausted while a
// pressure event remains set (spec §4.8, §7).
func (s *Server) serviceDegraded() (bool, string) {
	lvl, reason, _ := s.monitor.PressureState()
	stepActive, _, stepTo := s.monitor.StepdownInfo()
	if lvl == resource.LevelCritical && stepActive && stepTo == "" {
		return true, reason
	}
	return false, ""
}

// handlePostCallPressure invokes the stepdown controller after a request
// observed a pressure event, and builds the response warning describing
// what happened (spec §4.8's "post-call check").
func (s *Server) handlePostCallPressure(ctx context.Context, current *translator.Handle, reason string, snap resource.Snapshot) *translateWarningBody {
	warning := &translateWarningBody{
		Type:             memoryPressureStepdownType,
		AttemptedModel:   current.ModelID,
		Reason:           reason,
		BreachedLimits:   s.monitor.HardBreachedLimits(snap),
		PressureTimeline: s.monitor.TimelineRelative(snap.TakenAt),
	}

	next, err := s.stepper.Stepdown(ctx, current, reason, snap)
	if err != nil {
		s.log.Warn("stepdown after pressure event did not complete", zap.Error(err))
		if errors.Is(err, stepdown.ErrChainExhausted) {
			// The chain ends at current: nothing was unloaded, so current
			// is still the active model.
			warning.ActiveModel = current.ModelID
			return warning
		}
		// Any other error comes after stepdown unloaded and released
		// current's handle, so it is no longer serving traffic even though
		// stepdown didn't complete; report that honestly instead of
		// claiming the old model is still active.
		warning.ActiveModel = ""
		return warning
	}
	warning.ActiveModel = next
	return warning
}
