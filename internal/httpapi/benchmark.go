package httpapi

import (
	"encoding/json"
	"net/http"
)

// handleBenchmark implements POST /benchmark (spec §4.9, §6). The actual
// combo sweep, caching, and singleton/join logic live in
// internal/benchmark; this handler only decodes the request, dispatches,
// and translates the orchestrator's conflict error into a 409.
func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	if s.bench == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "benchmark orchestrator not configured")
		return
	}

	var req BenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Sentences) == 0 {
		writeJSONError(w, http.StatusBadRequest, "sentences must not be empty")
		return
	}

	result, err := s.bench.Run(r.Context(), req)
	if err != nil {
		if cerr, ok := err.(interface{ Conflict() bool }); ok && cerr.Conflict() {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		if s.metrics != nil {
			s.metrics.BenchmarkRunsTotal.WithLabelValues("error").Inc()
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.BenchmarkRunsTotal.WithLabelValues("ok").Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

type clearCacheResponse struct {
	Cleared        bool `json:"cleared"`
	EntriesRemoved int  `json:"entries_removed"`
}

// handleClearBenchmarkCache implements DELETE /benchmark/cache.
func (s *Server) handleClearBenchmarkCache(w http.ResponseWriter, r *http.Request) {
	if s.bench == nil {
		writeJSON(w, http.StatusOK, clearCacheResponse{})
		return
	}
	cleared, removed := s.bench.ClearCache()
	writeJSON(w, http.StatusOK, clearCacheResponse{Cleared: cleared, EntriesRemoved: removed})
}
