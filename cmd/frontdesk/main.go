package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/frontdesk/internal/api"
	"github.com/flowpbx/frontdesk/internal/api/middleware"
	"github.com/flowpbx/frontdesk/internal/config"
	"github.com/flowpbx/frontdesk/internal/database"
	"github.com/flowpbx/frontdesk/internal/metrics"
	"github.com/flowpbx/frontdesk/internal/notify"
	"github.com/flowpbx/frontdesk/internal/relay"
	"github.com/flowpbx/frontdesk/internal/safety"
	"github.com/flowpbx/frontdesk/internal/streamauth"
	"github.com/flowpbx/frontdesk/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting frontdesk",
		"http_port", cfg.HTTPPort,
		"db_driver", cfg.DBDriver,
		"public_url", cfg.PublicURL,
	)
	if cfg.SignatureRequired() && cfg.TwilioAuthToken == "" {
		slog.Warn("carrier signatures required but no auth token configured, all webhooks will be rejected")
	}

	db, err := database.Open(database.Options{
		Driver:  cfg.DBDriver,
		DataDir: cfg.DataDir,
		DSN:     cfg.DatabaseURL,
	})
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions := database.NewCallSessionRepository(db)
	timeline := database.NewTimelineRepository(db)
	evidence := database.NewStreamEvidenceRepository(db)
	safetyLogs := database.NewSafetyLogRepository(db)
	recordings := database.NewRecordingRepository(db)
	settings := database.NewVoiceSettingsRepository(db)

	// Transcript delivery is optional.
	var notifier notify.Notifier = notify.Nop{}
	var dispatcher *notify.Dispatcher
	if cfg.TranscriptURL != "" {
		dcfg := notify.DefaultDispatcherConfig()
		dcfg.Workers = cfg.NotifyWorkers
		dcfg.QueueSize = cfg.NotifyQueue
		dispatcher = notify.NewDispatcher(notify.NewClient(cfg.TranscriptURL, cfg.TranscriptToken), dcfg, logger)
		notifier = dispatcher
		slog.Info("transcript delivery enabled", "workers", dcfg.Workers)
	}

	secret, err := cfg.StreamSecretBytes()
	if err != nil {
		slog.Error("invalid stream secret", "error", err)
		os.Exit(1)
	}
	signer := streamauth.NewSigner(secret)

	policy := voice.NewPolicySource(settings, voice.PolicyFromConfig(cfg), logger)
	admission := voice.NewAdmission(evidence, logger)
	callerLimiter := middleware.NewKeyedRateLimiter("caller", middleware.CallerRateLimitConfig(cfg.CallerRateLimit))
	defer callerLimiter.Stop()

	relayCfg := relay.DefaultConfig()
	relayCfg.Instructions = cfg.LLMInstruction
	relayDeps := relay.ManagerDeps{
		Stores: relay.Stores{
			Sessions: sessions,
			Evidence: evidence,
			Timeline: timeline,
			Safety:   safetyLogs,
		},
		Dialer:    &relay.RealtimeDialer{URL: cfg.RealtimeURL, APIKey: cfg.OpenAIAPIKey},
		Evaluator: safety.KeywordEvaluator{},
		Notifier:  notifier,
		Options: func(ctx context.Context) relay.CallOptions {
			p := policy.Load(ctx)
			return relay.CallOptions{FailOpen: p.FailOpen, Voice: p.LLMVoice}
		},
		Logger: logger,
	}
	if cfg.LiveRedirectEnabled() {
		relayDeps.Redirector = relay.NewTwilioRedirector(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.PublicURL)
	} else {
		slog.Warn("live call redirect disabled, relay handoffs rely on the stream-ended callback")
	}
	manager := relay.NewManager(relayCfg, relayDeps)

	decisions := metrics.NewDecisions()
	voiceHandler := voice.NewHandler(voice.ConfigFrom(cfg), voice.Deps{
		Sessions:      sessions,
		Timeline:      timeline,
		Recordings:    recordings,
		Policy:        policy,
		Admission:     admission,
		Tokens:        signer,
		CallerLimiter: callerLimiter,
		Metrics:       decisions,
		Logger:        logger,
	})

	collectorDeps := metrics.CollectorDeps{
		Relay:     manager,
		Sessions:  sessions,
		Pending:   evidence,
		Lookback:  cfg.AdmissionLookbackDuration(),
		StartTime: time.Now(),
		Logger:    logger,
	}
	if dispatcher != nil {
		collectorDeps.Delivery = dispatcher
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(collectorDeps),
		decisions.Collector(),
	)

	handler := api.NewServer(api.Deps{
		DB:         db,
		Sessions:   sessions,
		Timeline:   timeline,
		Evidence:   evidence,
		Safety:     safetyLogs,
		Recordings: recordings,
		Settings:   settings,
		Policy:     policy,
		Relay:      manager,
		Voice:      voiceHandler.Routes(relay.NewHandler(manager, signer, logger)),
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Health: api.HealthConfig{
			PublicURL:         cfg.PublicURL != "",
			BusinessTarget:    cfg.BusinessTarget != "",
			CarrierAuthToken:  cfg.TwilioAuthToken != "",
			SpeechProviderKey: cfg.OpenAIAPIKey != "",
		},
		AdminToken: cfg.AdminToken,
		TLSEnabled: cfg.TLSEnabled(),
		Logger:     logger,
	})
	defer handler.Close()

	// No WriteTimeout: media sockets stay open for the length of a call.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var redirectSrv *http.Server
	errCh := make(chan error, 2)

	switch {
	case cfg.ACMEDomain != "":
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(cfg.DataDir + "/acme"),
			Email:      cfg.ACMEEmail,
		}
		srv.TLSConfig = &tls.Config{GetCertificate: certManager.GetCertificate, MinVersion: tls.VersionTLS12}

		// Port 80 answers ACME challenges and redirects everything else.
		redirectSrv = &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(middleware.HTTPSRedirectHandler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := redirectSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("acme http listener: %w", err)
			}
		}()
		go func() {
			slog.Info("https server listening", "addr", srv.Addr, "domain", cfg.ACMEDomain)
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	case cfg.TLSCert != "":
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	default:
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down", "relay_sessions", manager.ActiveCount())

	// Shutdown does not wait for hijacked connections, so live relays are
	// closed explicitly.
	manager.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			slog.Error("acme listener shutdown error", "error", err)
		}
	}
	if dispatcher != nil {
		if err := dispatcher.Close(ctx); err != nil {
			slog.Error("transcript dispatcher shutdown error", "error", err)
		}
	}

	slog.Info("frontdesk stopped")
}
