// Command llmrouter runs the vendor-neutral LLM routing engine behind a
// small demo HTTP surface: POST /v1/complete dispatches a Request through
// the router, GET /healthz reports liveness, and GET /metrics exposes
// Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentflow-routing/llmrouter/config"
	"github.com/agentflow-routing/llmrouter/internal/logging"
	"github.com/agentflow-routing/llmrouter/internal/metrics"
	"github.com/agentflow-routing/llmrouter/internal/telemetry"
	"github.com/agentflow-routing/llmrouter/router"
	"github.com/agentflow-routing/llmrouter/router/breaker"
	"github.com/agentflow-routing/llmrouter/router/capability"
	"github.com/agentflow-routing/llmrouter/router/providers/gemini"
	"github.com/agentflow-routing/llmrouter/router/providers/openai"
	"github.com/agentflow-routing/llmrouter/router/providers/vertex"
	routertelemetry "github.com/agentflow-routing/llmrouter/router/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).WithValidator((*config.Config).Validate).Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("llmrouter", logger)

	rt, err := buildRouter(cfg, logger)
	if err != nil {
		logger.Fatal("router build failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/complete", handleComplete(rt, collector, logger))

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// buildRouter wires the capability registry, breaker registry, the three
// vendor adapters, and the telemetry sink into a router.Router. Each
// adapter is constructed unconditionally; an unconfigured vendor (missing
// API key, no project ID) simply fails at dispatch time with AUTH_MISSING
// rather than being silently absent.
func buildRouter(cfg *config.Config, logger *zap.Logger) (*router.Router, error) {
	capabilities := capability.NewRegistry(cfg.OpenAI.AllowedModels, cfg.Vertex.AllowedModels, cfg.Gemini.AllowedModels)

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:   cfg.Breaker.FailureThreshold,
		CooldownMin: time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		CooldownMax: time.Duration(cfg.Breaker.CooldownJitterMax) * time.Second,
	}, logger)

	openaiCapLookup := func(model string) openai.AdapterCapabilities {
		caps := capabilities.Lookup(string(router.VendorOpenAI), model)
		return openai.AdapterCapabilities{
			SupportsGrounding:       caps.SupportsGrounding,
			SupportsReasoningEffort: caps.SupportsReasoningEffort,
		}
	}

	providers := map[router.Vendor]router.Provider{
		router.VendorOpenAI: openai.New(openai.Config{
			APIKey:       cfg.OpenAI.APIKey,
			Organization: cfg.OpenAI.Organization,
			BaseURL:      cfg.OpenAI.BaseURL,
		}, openaiCapLookup, logger),

		router.VendorGeminiDirect: gemini.New(gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			BaseURL: cfg.Gemini.BaseURL,
		}, logger),

		router.VendorVertex: vertex.New(vertex.Config{
			ProjectID:  cfg.Vertex.ProjectID,
			Location:   cfg.Vertex.Location,
			EnforceWIF: cfg.Vertex.EnforceWIF,
		}, vertex.ADCCredentialProvider{StaticToken: os.Getenv("VERTEX_ADC_TOKEN")}, logger),
	}

	sink := routertelemetry.NewZapSink(logger)

	return router.New(router.Config{
		ALS: router.ALSConfig{
			SeedKey:   []byte(cfg.ALS.SeedKey),
			SeedKeyID: cfg.ALS.SeedKeyID,
		},
		TimeoutUngrounded:      cfg.Timeouts.Ungrounded,
		TimeoutGrounded:        cfg.Timeouts.Grounded,
		RequiredRelaxForGoogle: cfg.Grounding.RequiredRelaxForGoogle,
	}, capabilities, breakers, providers, sink, logger), nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleComplete(rt *router.Router, collector *metrics.Collector, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req router.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		resp, err := rt.Complete(r.Context(), &req)

		status := "success"
		promptTokens, completionTokens := 0, 0
		if err != nil {
			status = "error"
			logger.Warn("completion failed", zap.Error(err), zap.String("model", req.Model))
		} else {
			promptTokens = resp.Usage.PromptTokens
			completionTokens = resp.Usage.CompletionTokens
		}
		collector.RecordCompletion(string(req.Vendor), req.Model, status, time.Since(start), promptTokens, completionTokens)
		collector.RecordHTTPRequest(r.Method, "/v1/complete", statusFor(err), time.Since(start))

		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeError(w http.ResponseWriter, err error) {
	rerr, ok := err.(*router.Error)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(rerr.Code))
	_ = json.NewEncoder(w).Encode(rerr)
}

func statusForCode(code router.ErrorCode) int {
	switch code {
	case router.ErrModelNotAllowed, router.ErrInvalidRequest, router.ErrALSBlockTooLong:
		return http.StatusBadRequest
	case router.ErrAuthMissing:
		return http.StatusUnauthorized
	case router.ErrCircuitOpen, router.ErrRateLimitedWait:
		return http.StatusServiceUnavailable
	case router.ErrGroundingRequiredFail, router.ErrGroundingEmptyResults, router.ErrGroundingRequired:
		return http.StatusUnprocessableEntity
	case router.ErrTimeout:
		return http.StatusGatewayTimeout
	case router.ErrCancelled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if rerr, ok := err.(*router.Error); ok {
		return statusForCode(rerr.Code)
	}
	return http.StatusInternalServerError
}
