package httpapi

import (
	"net/http"
	"time"
)

type gpuInfo struct {
	Name        string  `json:"name"`
	VRAMTotalMB float64 `json:"vram_total_mb"`
}

type resourceSnapshotBody struct {
	VRAMUsedMB     float64 `json:"vram_used_mb"`
	VRAMFreeMB     float64 `json:"vram_free_mb"`
	VRAMTotalMB    float64 `json:"vram_total_mb"`
	RAMRSSMB       float64 `json:"ram_rss_mb"`
	RAMAvailableMB float64 `json:"ram_available_mb"`
	RAMTotalMB     float64 `json:"ram_total_mb"`
	SwapUsedMB     float64 `json:"swap_used_mb"`
	SwapTotalMB    float64 `json:"swap_total_mb"`
}

type pressureInfoBody struct {
	Level  string `json:"level"`
	Reason string `json:"reason,omitempty"`
}

type loadProgressBody struct {
	ModelID       string  `json:"model_id"`
	ElapsedS      float64 `json:"elapsed_s"`
	PredictedKill bool    `json:"predicted_kill"`
	RAMAfterLoad  float64 `json:"ram_after_load_mb"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	VersionAt     string `json:"version_at"`
	VersionSource string `json:"version_source"`
	StartedAt     string `json:"started_at"`
	Phase         string `json:"phase"`
	Backend       string `json:"backend"`

	Model              string                `json:"model,omitempty"`
	Device             string                `json:"device,omitempty"`
	ComputeType        string                `json:"compute_type,omitempty"`
	GPU                *gpuInfo              `json:"gpu,omitempty"`
	CPUFeatures        *CPUFeatures          `json:"cpu_features,omitempty"`
	Resource           *resourceSnapshotBody `json:"resource,omitempty"`
	Pressure           *pressureInfoBody     `json:"pressure,omitempty"`
	StepdownActive     *bool                 `json:"stepdown_active,omitempty"`
	LoadProgress       *loadProgressBody     `json:"load_progress,omitempty"`
	KnownFailureCount  *int                  `json:"known_failure_count,omitempty"`
}

// handleHealth implements GET /health's tiered response (spec §6):
// unauthenticated callers see only process identity fields; authenticated
// callers additionally see model/device/resource/pressure detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lvl, reason, _ := s.monitor.PressureState()
	stepActive, _, stepTo := s.monitor.StepdownInfo()

	phase := "ready"
	if s.active.Current() == nil {
		phase = "loading"
	} else if stepActive && stepTo == "" {
		phase = "degraded"
	}

	status := "ok"
	if phase == "degraded" {
		status = "degraded"
	}

	resp := healthResponse{
		Status:        status,
		Version:       s.version.Version,
		VersionAt:     s.version.At,
		VersionSource: s.version.Source,
		StartedAt:     s.startedAt.Format(time.RFC3339),
		Phase:         phase,
		Backend:       s.device,
	}

	if err := s.auth.Verify(r); err != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h := s.active.Current(); h != nil {
		resp.Model = h.ModelID
		resp.Device = h.Device
		resp.ComputeType = h.ComputeType
	}
	if s.vramTotalMB > 0 {
		resp.GPU = &gpuInfo{Name: s.gpuName, VRAMTotalMB: s.vramTotalMB}
	}
	feats := s.cpuFeatures
	resp.CPUFeatures = &feats

	if snap, ok := s.monitor.LastSnapshot(); ok {
		resp.Resource = &resourceSnapshotBody{
			VRAMUsedMB: snap.VRAMUsedMB, VRAMFreeMB: snap.VRAMFreeMB, VRAMTotalMB: snap.VRAMTotalMB,
			RAMRSSMB: snap.RAMRSSMB, RAMAvailableMB: snap.RAMAvailableMB, RAMTotalMB: snap.RAMTotalMB,
			SwapUsedMB: snap.SwapUsedMB, SwapTotalMB: snap.SwapTotalMB,
		}
	}
	resp.Pressure = &pressureInfoBody{Level: lvl.String(), Reason: reason}
	resp.StepdownActive = &stepActive

	if lp, ok := s.monitor.GetLoadProgress(); ok {
		resp.LoadProgress = &loadProgressBody{
			ModelID: lp.ModelID, ElapsedS: lp.ElapsedS,
			PredictedKill: lp.PredictedKill, RAMAfterLoad: lp.RAMAfterLoad,
		}
	}
	count := len(s.ledger.All())
	resp.KnownFailureCount = &count

	writeJSON(w, http.StatusOK, resp)
}
