package voice

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/frontdesk/internal/config"
	"github.com/flowpbx/frontdesk/internal/database"
)

// Keys of the runtime voice settings stored in voice_settings.
const (
	SettingBusinessName       = "business_name"
	SettingPickupMode         = "pickup_mode"
	SettingAMDEnable          = "amd_enable"
	SettingFailOpen           = "fail_open"
	SettingStreamEnabled      = "stream_enabled"
	SettingConcurrencyCeiling = "concurrency_ceiling"
	SettingAdmissionLookback  = "admission_lookback_seconds"
	SettingVoice              = "voice"
	SettingLLMVoice           = "llm_voice"
)

// Pickup modes.
const (
	PickupImmediate = "immediate"
	PickupAMD       = "amd"
)

// Policy is the effective voice policy for one webhook invocation.
type Policy struct {
	BusinessName       string
	PickupMode         string
	AMDEnable          bool
	FailOpen           bool
	StreamEnabled      bool
	ConcurrencyCeiling int
	AdmissionLookback  time.Duration
	Voice              string
	LLMVoice           string
	MachineValues      []string
}

// PolicyFromConfig returns the policy defaults taken from the process config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		BusinessName:       cfg.BusinessName,
		PickupMode:         cfg.PickupMode,
		AMDEnable:          cfg.AMDEnable,
		FailOpen:           cfg.FailOpen,
		StreamEnabled:      cfg.StreamEnabled,
		ConcurrencyCeiling: cfg.ConcurrencyCeiling,
		AdmissionLookback:  cfg.AdmissionLookbackDuration(),
		Voice:              cfg.Voice,
		LLMVoice:           cfg.LLMVoice,
		MachineValues:      cfg.MachineValues(),
	}
}

// IsMachine reports whether an AnsweredBy value denotes a machine pickup.
func (p Policy) IsMachine(answeredBy string) bool {
	if answeredBy == "" {
		return false
	}
	for _, v := range p.MachineValues {
		if strings.EqualFold(v, answeredBy) {
			return true
		}
	}
	return false
}

// PolicySource merges stored voice settings over the config defaults.
type PolicySource struct {
	settings database.VoiceSettingsRepository
	defaults Policy
	logger   *slog.Logger
}

// NewPolicySource creates a PolicySource. A nil settings repository always
// yields the defaults.
func NewPolicySource(settings database.VoiceSettingsRepository, defaults Policy, logger *slog.Logger) *PolicySource {
	return &PolicySource{
		settings: settings,
		defaults: defaults,
		logger:   logger.With("subsystem", "voice-policy"),
	}
}

// Load returns the current policy. Store errors fall back to the defaults;
// invalid stored values are ignored one by one.
func (s *PolicySource) Load(ctx context.Context) Policy {
	p := s.defaults
	if s.settings == nil {
		return p
	}
	stored, err := s.settings.GetAll(ctx)
	if err != nil {
		s.logger.Warn("loading voice settings, using defaults", "error", err)
		return p
	}
	for _, st := range stored {
		if !p.apply(st.Key, st.Value) {
			s.logger.Warn("ignoring invalid voice setting", "key", st.Key, "value", st.Value)
		}
	}
	return p
}

// SettingKeys lists every runtime voice setting.
var SettingKeys = []string{
	SettingBusinessName,
	SettingPickupMode,
	SettingAMDEnable,
	SettingFailOpen,
	SettingStreamEnabled,
	SettingConcurrencyCeiling,
	SettingAdmissionLookback,
	SettingVoice,
	SettingLLMVoice,
}

// ValidSetting reports whether key is a known setting and value is usable
// for it.
func ValidSetting(key, value string) bool {
	if !slices.Contains(SettingKeys, key) {
		return false
	}
	var p Policy
	return p.apply(key, value)
}

// apply sets one stored setting and reports whether the value was usable.
// Unknown keys are accepted and ignored.
func (p *Policy) apply(key, value string) bool {
	value = strings.TrimSpace(value)
	switch key {
	case SettingBusinessName:
		p.BusinessName = value
	case SettingPickupMode:
		mode := strings.ToLower(value)
		if mode != PickupImmediate && mode != PickupAMD {
			return false
		}
		p.PickupMode = mode
	case SettingAMDEnable:
		return parseBool(value, &p.AMDEnable)
	case SettingFailOpen:
		return parseBool(value, &p.FailOpen)
	case SettingStreamEnabled:
		return parseBool(value, &p.StreamEnabled)
	case SettingConcurrencyCeiling:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return false
		}
		p.ConcurrencyCeiling = n
	case SettingAdmissionLookback:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return false
		}
		p.AdmissionLookback = time.Duration(n) * time.Second
	case SettingVoice:
		if value == "" {
			return false
		}
		p.Voice = value
	case SettingLLMVoice:
		if value == "" {
			return false
		}
		p.LLMVoice = value
	}
	return true
}

func parseBool(value string, dst *bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	*dst = b
	return true
}
