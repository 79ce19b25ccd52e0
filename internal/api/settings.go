package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type settingResponse struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type effectivePolicyResponse struct {
	BusinessName       string   `json:"business_name"`
	PickupMode         string   `json:"pickup_mode"`
	AMDEnable          bool     `json:"amd_enable"`
	FailOpen           bool     `json:"fail_open"`
	StreamEnabled      bool     `json:"stream_enabled"`
	ConcurrencyCeiling int      `json:"concurrency_ceiling"`
	AdmissionLookbackS float64  `json:"admission_lookback_seconds"`
	Voice              string   `json:"voice"`
	LLMVoice           string   `json:"llm_voice"`
	MachineValues      []string `json:"machine_values"`
}

type settingsResponse struct {
	Stored    []settingResponse       `json:"stored"`
	Effective effectivePolicyResponse `json:"effective"`
}

type putSettingRequest struct {
	Value string `json:"value"`
}

// handleGetSettings returns the stored overrides and the policy they
// produce when merged over the process defaults.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Settings.GetAll(r.Context())
	if err != nil {
		s.logger.Error("failed to list voice settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := settingsResponse{Stored: make([]settingResponse, len(rows))}
	for i, row := range rows {
		resp.Stored[i] = settingResponse{Key: row.Key, Value: row.Value, UpdatedAt: row.UpdatedAt}
	}

	p := s.deps.Policy.Load(r.Context())
	resp.Effective = effectivePolicyResponse{
		BusinessName:       p.BusinessName,
		PickupMode:         p.PickupMode,
		AMDEnable:          p.AMDEnable,
		FailOpen:           p.FailOpen,
		StreamEnabled:      p.StreamEnabled,
		ConcurrencyCeiling: p.ConcurrencyCeiling,
		AdmissionLookbackS: p.AdmissionLookback.Seconds(),
		Voice:              p.Voice,
		LLMVoice:           p.LLMVoice,
		MachineValues:      p.MachineValues,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePutSetting stores a single voice policy override.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))

	var req putSettingRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Value = strings.TrimSpace(req.Value)

	if msg := validateSetting(key, req.Value); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Settings.Set(r.Context(), key, req.Value); err != nil {
		s.logger.Error("failed to store voice setting", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("voice setting updated", "key", key)
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: req.Value, UpdatedAt: time.Now().UTC()})
}
