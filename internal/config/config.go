package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
)

// Config holds all runtime configuration for the frontdesk server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string // postgres dsn
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	ACMEDomain  string // domain for automatic Let's Encrypt certificate
	ACMEEmail   string
	LogLevel    string
	LogFormat   string // "text" or "json"

	// PublicURL is the externally visible base URL the carrier calls. Request
	// signatures are checked against PublicURL + request URI.
	PublicURL string
	// StreamURL is the wss:// base of the media socket. Derived from
	// PublicURL when empty.
	StreamURL string

	TwilioAccountSID      string
	TwilioAuthToken       string
	InsecureSkipSignature bool // only honored when no auth token is set

	BusinessTarget  string // forwarding target for human bridge
	AdminNumber     string
	OpsNumber       string
	InternalNumbers string // comma-separated override list
	DefaultRegion   string // region of numbers written without a country code
	BusinessName    string

	PickupMode         string // "immediate" or "amd"
	AMDEnable          bool
	AMDMachineValues   string // comma-separated AnsweredBy values meaning a machine pickup
	FailOpen           bool
	StreamEnabled      bool
	ConcurrencyCeiling int
	AdmissionLookback  int // seconds
	CallerRateLimit    int // webhooks per minute per caller

	Voice          string // carrier TTS voice
	LLMVoice       string // speech model voice
	LLMInstruction string
	OpenAIAPIKey   string
	RealtimeURL    string

	StreamSecret string // hex-encoded 32-byte secret for stream tokens
	AdminToken   string // bearer token for the operator API; empty disables it

	TranscriptURL   string
	TranscriptToken string
	NotifyWorkers   int
	NotifyQueue     int
}

// defaults
const (
	defaultDataDir            = "./data"
	defaultDBDriver           = "sqlite"
	defaultHTTPPort           = 8080
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	defaultRegion             = "US"
	defaultPickupMode         = "immediate"
	defaultAMDMachineValues   = "machine_start,machine_end_beep"
	defaultConcurrencyCeiling = 10
	defaultAdmissionLookback  = 30
	defaultCallerRateLimit    = 10
	defaultVoice              = "Polly.Joanna"
	defaultLLMVoice           = "alloy"
	defaultLLMInstruction     = "You are a friendly, concise receptionist. Greet the caller, find out what they need, and collect their name, phone number and reason for calling."
	defaultRealtimeURL        = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-12-17"
	defaultNotifyWorkers      = 2
	defaultNotifyQueue        = 64
)

// envPrefix is the prefix for all frontdesk environment variables.
const envPrefix = "FRONTDESK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("frontdesk", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "database driver (sqlite, postgres)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (db-driver=postgres)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally visible base URL used for callbacks and signature checks")
	fs.StringVar(&cfg.StreamURL, "stream-url", "", "wss:// base URL of the media socket (derived from public-url if empty)")

	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID (enables live call redirects)")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token for request signature validation")
	fs.BoolVar(&cfg.InsecureSkipSignature, "insecure-skip-signature", false, "skip request signature validation when no auth token is set (development only)")

	fs.StringVar(&cfg.BusinessTarget, "business-target", "", "E.164 number human bridges are dialed to")
	fs.StringVar(&cfg.AdminNumber, "admin-number", "", "admin line number (never dialed, always internal)")
	fs.StringVar(&cfg.OpsNumber, "ops-number", "", "operations line number (never dialed, always internal)")
	fs.StringVar(&cfg.InternalNumbers, "internal-numbers", "", "comma-separated additional internal numbers")
	fs.StringVar(&cfg.DefaultRegion, "default-region", defaultRegion, "ISO 3166 region used to read numbers without a country code")
	fs.StringVar(&cfg.BusinessName, "business-name", "", "business name spoken in greetings")

	fs.StringVar(&cfg.PickupMode, "pickup-mode", defaultPickupMode, "pickup policy (immediate, amd)")
	fs.BoolVar(&cfg.AMDEnable, "amd-enable", true, "route answering-machine pickups to the AI relay")
	fs.StringVar(&cfg.AMDMachineValues, "amd-machine-values", defaultAMDMachineValues, "comma-separated AnsweredBy values treated as a machine pickup")
	fs.BoolVar(&cfg.FailOpen, "fail-open", true, "bridge to a human when the speech provider fails")
	fs.BoolVar(&cfg.StreamEnabled, "stream-enabled", true, "allow the AI relay mode")
	fs.IntVar(&cfg.ConcurrencyCeiling, "concurrency-ceiling", defaultConcurrencyCeiling, "maximum pending relay handshakes before bridging directly")
	fs.IntVar(&cfg.AdmissionLookback, "admission-lookback", defaultAdmissionLookback, "seconds of handshake history considered by admission control")
	fs.IntVar(&cfg.CallerRateLimit, "caller-rate-limit", defaultCallerRateLimit, "webhooks per minute allowed from one caller")

	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "carrier text-to-speech voice")
	fs.StringVar(&cfg.LLMVoice, "llm-voice", defaultLLMVoice, "speech model voice")
	fs.StringVar(&cfg.LLMInstruction, "llm-instructions", defaultLLMInstruction, "speech model session instructions")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "speech provider API key")
	fs.StringVar(&cfg.RealtimeURL, "realtime-url", defaultRealtimeURL, "speech provider websocket URL")

	fs.StringVar(&cfg.StreamSecret, "stream-secret", "", "hex-encoded 32-byte secret for media socket tokens (auto-generated if empty)")
	fs.StringVar(&cfg.AdminToken, "admin-token", "", "bearer token for the operator API (disabled when empty)")

	fs.StringVar(&cfg.TranscriptURL, "transcript-url", "", "URL transcripts are delivered to after a call")
	fs.StringVar(&cfg.TranscriptToken, "transcript-token", "", "bearer token for transcript delivery")
	fs.IntVar(&cfg.NotifyWorkers, "notify-workers", defaultNotifyWorkers, "transcript delivery workers")
	fs.IntVar(&cfg.NotifyQueue, "notify-queue", defaultNotifyQueue, "transcript delivery queue size")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		switch f.Name {
		case "data-dir":
			cfg.DataDir = val
		case "db-driver":
			cfg.DBDriver = val
		case "database-url":
			cfg.DatabaseURL = val
		case "http-port":
			setInt(&cfg.HTTPPort, val)
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "acme-domain":
			cfg.ACMEDomain = val
		case "acme-email":
			cfg.ACMEEmail = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "public-url":
			cfg.PublicURL = val
		case "stream-url":
			cfg.StreamURL = val
		case "twilio-account-sid":
			cfg.TwilioAccountSID = val
		case "twilio-auth-token":
			cfg.TwilioAuthToken = val
		case "insecure-skip-signature":
			setBool(&cfg.InsecureSkipSignature, val)
		case "business-target":
			cfg.BusinessTarget = val
		case "admin-number":
			cfg.AdminNumber = val
		case "ops-number":
			cfg.OpsNumber = val
		case "internal-numbers":
			cfg.InternalNumbers = val
		case "default-region":
			cfg.DefaultRegion = val
		case "business-name":
			cfg.BusinessName = val
		case "pickup-mode":
			cfg.PickupMode = val
		case "amd-enable":
			setBool(&cfg.AMDEnable, val)
		case "amd-machine-values":
			cfg.AMDMachineValues = val
		case "fail-open":
			setBool(&cfg.FailOpen, val)
		case "stream-enabled":
			setBool(&cfg.StreamEnabled, val)
		case "concurrency-ceiling":
			setInt(&cfg.ConcurrencyCeiling, val)
		case "admission-lookback":
			setInt(&cfg.AdmissionLookback, val)
		case "caller-rate-limit":
			setInt(&cfg.CallerRateLimit, val)
		case "voice":
			cfg.Voice = val
		case "llm-voice":
			cfg.LLMVoice = val
		case "llm-instructions":
			cfg.LLMInstruction = val
		case "openai-api-key":
			cfg.OpenAIAPIKey = val
		case "realtime-url":
			cfg.RealtimeURL = val
		case "stream-secret":
			cfg.StreamSecret = val
		case "admin-token":
			cfg.AdminToken = val
		case "transcript-url":
			cfg.TranscriptURL = val
		case "transcript-token":
			cfg.TranscriptToken = val
		case "notify-workers":
			setInt(&cfg.NotifyWorkers, val)
		case "notify-queue":
			setInt(&cfg.NotifyQueue, val)
		}
	})
}

func setInt(dst *int, val string) {
	if v, err := strconv.Atoi(val); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, val string) {
	if v, err := strconv.ParseBool(val); err == nil {
		*dst = v
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database-url is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("public-url must be an absolute http(s) URL, got %q", c.PublicURL)
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	}
	if c.StreamURL != "" && !strings.HasPrefix(c.StreamURL, "ws://") && !strings.HasPrefix(c.StreamURL, "wss://") {
		return fmt.Errorf("stream-url must start with ws:// or wss://, got %q", c.StreamURL)
	}

	c.DefaultRegion = strings.ToUpper(c.DefaultRegion)
	if phonenumbers.GetCountryCodeForRegion(c.DefaultRegion) == 0 {
		return fmt.Errorf("default-region must be a known ISO 3166 region code, got %q", c.DefaultRegion)
	}

	c.PickupMode = strings.ToLower(c.PickupMode)
	if c.PickupMode != "immediate" && c.PickupMode != "amd" {
		return fmt.Errorf("pickup-mode must be one of immediate, amd; got %q", c.PickupMode)
	}
	if c.ConcurrencyCeiling < 1 {
		return fmt.Errorf("concurrency-ceiling must be at least 1, got %d", c.ConcurrencyCeiling)
	}
	if c.AdmissionLookback < 1 {
		return fmt.Errorf("admission-lookback must be at least 1 second, got %d", c.AdmissionLookback)
	}
	if c.CallerRateLimit < 1 {
		return fmt.Errorf("caller-rate-limit must be at least 1, got %d", c.CallerRateLimit)
	}
	if c.AdminToken != "" && len(c.AdminToken) < 16 {
		return fmt.Errorf("admin-token must be at least 16 characters")
	}
	if c.NotifyWorkers < 1 || c.NotifyQueue < 1 {
		return fmt.Errorf("notify-workers and notify-queue must be at least 1")
	}

	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// SignatureRequired reports whether carrier request signatures are checked.
func (c *Config) SignatureRequired() bool {
	return c.TwilioAuthToken != "" || !c.InsecureSkipSignature
}

// LiveRedirectEnabled reports whether the carrier REST API can be used to
// redirect calls in progress.
func (c *Config) LiveRedirectEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.PublicURL != ""
}

// WebsocketBaseURL returns the wss:// base of the media socket.
func (c *Config) WebsocketBaseURL() string {
	if c.StreamURL != "" {
		return strings.TrimRight(c.StreamURL, "/")
	}
	switch {
	case strings.HasPrefix(c.PublicURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.PublicURL, "https://")
	case strings.HasPrefix(c.PublicURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.PublicURL, "http://")
	}
	return ""
}

// AdmissionLookbackDuration returns the admission lookback window.
func (c *Config) AdmissionLookbackDuration() time.Duration {
	return time.Duration(c.AdmissionLookback) * time.Second
}

// MachineValues returns the AnsweredBy values treated as a machine pickup.
func (c *Config) MachineValues() []string {
	var out []string
	for _, v := range strings.Split(c.AMDMachineValues, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// StreamSecretBytes returns the decoded 32-byte stream token secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) StreamSecretBytes() ([]byte, error) {
	if c.StreamSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating stream secret: %w", err)
		}
		c.StreamSecret = hex.EncodeToString(key)
		slog.Warn("no stream-secret configured, generated ephemeral key (stream tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.StreamSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding stream secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("stream secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
