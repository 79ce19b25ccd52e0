package api

import (
	"context"
	"net/http"
	"time"
)

// activityWindow is how far back the health check counts calls.
const activityWindow = 5 * time.Minute

// HealthConfig reports which required settings are present.
type HealthConfig struct {
	PublicURL         bool `json:"public_url"`
	BusinessTarget    bool `json:"business_target"`
	CarrierAuthToken  bool `json:"carrier_auth_token"`
	SpeechProviderKey bool `json:"speech_provider_key"`
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type activityResult struct {
	CallsLast5Min int64  `json:"calls_last_5min"`
	Error         string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Checks    struct {
		Env            HealthConfig   `json:"env"`
		Database       checkResult    `json:"database"`
		RecentActivity activityResult `json:"recent_activity"`
		RelaySessions  int            `json:"relay_sessions"`
	} `json:"checks"`
}

// handleHealth reports configuration, database reachability and recent call
// activity. It answers 503 when the database or the activity query fails.
// Configuration gaps are reported but do not fail the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var resp healthResponse
	resp.Status = "healthy"
	resp.Timestamp = time.Now().UTC()
	resp.Checks.Env = s.deps.Health

	resp.Checks.Database = checkResult{Status: "healthy"}
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(ctx); err != nil {
			resp.Checks.Database = checkResult{Status: "unhealthy", Error: err.Error()}
			resp.Status = "degraded"
		}
	}

	if s.deps.Sessions != nil {
		n, err := s.deps.Sessions.CountStartedSince(ctx, time.Now().Add(-activityWindow))
		if err != nil {
			resp.Checks.RecentActivity.Error = err.Error()
			resp.Status = "degraded"
		}
		resp.Checks.RecentActivity.CallsLast5Min = n
	}

	if s.deps.Relay != nil {
		resp.Checks.RelaySessions = s.deps.Relay.ActiveCount()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		s.logger.Warn("health check degraded",
			"database", resp.Checks.Database.Error,
			"activity", resp.Checks.RecentActivity.Error,
		)
		status = http.StatusServiceUnavailable
	}
	writeBody(w, status, resp)
}
