package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fmeyer/voicegate/internal/audio"
	"github.com/fmeyer/voicegate/internal/config"
	"github.com/fmeyer/voicegate/internal/gateway"
	"github.com/fmeyer/voicegate/internal/health"
	"github.com/fmeyer/voicegate/internal/httpapi"
	"github.com/fmeyer/voicegate/internal/observability"
	"github.com/fmeyer/voicegate/internal/pipeline"
	"github.com/fmeyer/voicegate/internal/session"
	"github.com/fmeyer/voicegate/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	tracker := health.NewTracker(
		health.Thresholds{Degraded: cfg.DegradedThreshold, Down: cfg.DownThreshold},
		pipeline.ProviderSTT, pipeline.ProviderLLM, pipeline.ProviderTTS, pipeline.ProviderAutomation,
	)

	retry := pipeline.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
	}
	caller := func(provider string, timeout time.Duration) *pipeline.Caller {
		return &pipeline.Caller{
			Provider: provider,
			Timeout:  timeout,
			Retry:    retry,
			Health:   tracker,
			Errors:   metrics.ProviderErrors,
		}
	}

	var (
		stt gateway.Transcriber
		llm gateway.Responder
		tts gateway.Synthesizer
	)

	useReal := func(fatal bool) bool {
		if strings.TrimSpace(cfg.STTAPIKey) == "" || strings.TrimSpace(cfg.LLMAPIKey) == "" || strings.TrimSpace(cfg.TTSAPIKey) == "" {
			if fatal {
				log.Fatalf("PROVIDER_MODE=openai but STT_API_KEY, LLM_API_KEY or TTS_API_KEY is not set")
			}
			return false
		}
		stt = pipeline.NewSpeechToText(cfg.STTBaseURL, cfg.STTAPIKey, cfg.STTModel, cfg.SampleRate, caller(pipeline.ProviderSTT, cfg.STTTimeout))
		llm = pipeline.NewLanguageModel(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.SystemPrompt, caller(pipeline.ProviderLLM, cfg.LLMTimeout))
		tts = pipeline.NewTextToSpeech(cfg.TTSBaseURL, cfg.TTSAPIKey, cfg.TTSModel, cfg.TTSVoice, caller(pipeline.ProviderTTS, cfg.TTSTimeout))
		log.Printf("pipeline providers: openai-compatible (%s)", cfg.LLMBaseURL)
		return true
	}

	useMock := func() {
		stt = pipeline.NewMockSpeechToText()
		llm = pipeline.NewMockLanguageModel()
		tts = pipeline.NewMockTextToSpeech()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.ProviderMode)) {
	case "openai":
		useReal(true)
	case "mock":
		useMock()
		log.Printf("pipeline providers: mock")
	case "auto", "":
		if !useReal(false) {
			useMock()
			log.Printf("pipeline providers: mock (no provider keys configured)")
		}
	default:
		log.Fatalf("invalid PROVIDER_MODE: %q (expected auto|openai|mock)", cfg.ProviderMode)
	}

	automation := pipeline.NewAutomation(cfg.AutomationURL, cfg.AutomationToken, caller(pipeline.ProviderAutomation, cfg.AutomationTimeout))
	if automation.Enabled() {
		log.Printf("automation delegation: %s", cfg.AutomationURL)
	}

	registry := session.NewRegistry(cfg.MaxSessions, cfg.SessionIdleTimeout)
	registry.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(registry.ActiveCount()))
	})

	reporter := health.NewReporter(tracker, registry)

	orchestrator := gateway.New(stt, llm, tts, automation, store, metrics, gateway.Config{
		Assembler: audio.AssemblerConfig{
			SampleRate:       cfg.SampleRate,
			SilenceThreshold: cfg.SilenceThreshold,
			EndSilence:       cfg.EndSilence,
			MaxUtterance:     cfg.MaxUtterance,
		},
		ContextTurns: cfg.ContextTurns,
	})

	api := httpapi.New(cfg, registry, orchestrator, reporter, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
