// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the RAG orchestrator service.
//
// New wires configuration into the collaborators of the two answer
// approaches (LLM backend, credential supplier, search index, access gate)
// and registers the HTTP routes. Run serves until its context ends.
//
// # Extension Points
//
// Deployments replace identity resolution or audit shipping through
// extensions.ServiceOptions:
//
//	opts := extensions.DefaultOptions().WithAudit(myAuditLogger)
//	svc, err := orchestrator.New(ctx, cfg, &opts)
//
// When auth is enabled and no AuthProvider is supplied, bearer tokens are
// validated as JWTs with the configured key.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRAG/pkg/config"
	"github.com/AleutianAI/AleutianRAG/pkg/extensions"
	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/approaches"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/authgate"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/content"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/credential"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/search"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// newTokenCounter may download a BPE vocabulary; tests replace it.
var newTokenCounter = llm.NewTokenCounter

// Service is the assembled orchestrator.
//
// # Thread Safety
//
// Run must be called at most once. Router is safe to call at any time.
type Service struct {
	cfg      config.Config
	opts     extensions.ServiceOptions
	router   *gin.Engine
	metrics  *observability.Metrics
	supplier *credential.Supplier
	embedder *llm.CachingEmbedder
	store    *content.GCSStore

	tracerShutdown func(context.Context) error
}

// New builds the service from cfg.
//
// # Description
//
// Construction order follows the dependency graph: tracing and metrics,
// then the LLM credential supplier and client, the search index, the
// access gate, the approaches and finally the routes. The first LLM
// credential is fetched lazily or by Run's refresher.
//
// # Inputs
//
//   - ctx: Used only while constructing clients.
//   - cfg: A validated configuration.
//   - opts: Extension implementations. Nil uses extensions.DefaultOptions.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Any collaborator that cannot be constructed.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions) (*Service, error) {
	s := &Service{cfg: cfg, opts: extensions.DefaultOptions()}
	if opts != nil {
		if opts.AuthProvider != nil {
			s.opts = s.opts.WithAuth(opts.AuthProvider)
		}
		if opts.AuditLogger != nil {
			s.opts = s.opts.WithAudit(opts.AuditLogger)
		}
	}
	if _, isNop := s.opts.AuditLogger.(*extensions.NopAuditLogger); isNop && cfg.Logging.Audit {
		s.opts = s.opts.WithAudit(&extensions.SlogAuditLogger{})
	}

	shutdown, err := initTracer(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerShutdown = shutdown

	registry := observability.NewRegistry()
	s.metrics = observability.NewMetrics(registry)

	client, err := s.initLLMClient()
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	s.embedder, err = llm.NewCachingEmbedder(client, cfg.Search.EmbeddingCache)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	backend, err := initSearchBackend(ctx, cfg.Search)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize search index: %w", err)
	}

	provider, err := s.authProvider()
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize auth provider: %w", err)
	}
	s.opts = s.opts.WithAuth(provider)
	gate := authgate.New(provider, authgate.Config{
		UseAuthentication:    cfg.Auth.Enabled,
		EnforceAccessControl: cfg.Auth.EnforceAccessControl,
	}, s.metrics)

	deps := approaches.Deps{
		LLM:       client,
		Retriever: search.NewAdapter(backend, s.embedder, gate, s.metrics),
		Gate:      gate,
		Tokens:    newTokenCounter(cfg.OpenAI.ChatModel),
	}
	acfg, err := approachConfig(cfg)
	if err != nil {
		s.cleanup(ctx)
		return nil, err
	}
	ask, err := approaches.NewRetrieveThenRead(deps, acfg)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to create ask approach: %w", err)
	}
	chat, err := approaches.NewChatReadRetrieveRead(deps, acfg)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to create chat approach: %w", err)
	}

	var store content.Store
	if cfg.Content.Bucket != "" {
		s.store, err = content.NewGCSStore(ctx, cfg.Content.Bucket, cfg.Content.CredentialsFile)
		if err != nil {
			s.cleanup(ctx)
			return nil, err
		}
		store = s.store
	} else {
		slog.Info("No content bucket configured, /content will return 404")
	}

	routeDeps := routes.Deps{
		RAG:     handlers.NewRAGHandler(ask, chat, s.opts.AuditLogger, s.metrics),
		Content: handlers.NewContentHandler(store, s.metrics),
		AuthSetup: handlers.NewAuthSetup(handlers.AuthSetupConfig{
			UseLogin:             gate.AuthenticationEnabled(),
			RequireAccessControl: gate.AccessControlEnforced(),
			ClientAppID:          cfg.Auth.ClientAppID,
			ServerAppID:          cfg.Auth.Audience,
			Authority:            cfg.Authority(),
		}),
		Claims: gate,
	}
	if s.supplier != nil {
		routeDeps.Credentials = s.supplier
	}
	if cfg.Telemetry.Exporter != config.ExporterNone {
		routeDeps.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.MetricsEnabled {
		routeDeps.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	gin.SetMode(cfg.Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, routeDeps)

	slog.Info("Orchestrator initialized",
		"api_type", cfg.OpenAI.APIType,
		"chat_model", cfg.OpenAI.ChatModel,
		"search_class", cfg.Search.ClassName,
		"default_mode", acfg.DefaultMode,
		"auth_enabled", gate.AuthenticationEnabled(),
		"access_control", gate.AccessControlEnforced(),
		"audit_log", cfg.Logging.Audit,
	)
	return s, nil
}

// Router returns the configured engine.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run serves HTTP and, when the backend uses a refreshed credential, keeps
// it fresh in the background. It returns after ctx ends and the server has
// drained, or when either task fails.
func (s *Service) Run(ctx context.Context) error {
	defer s.cleanup(context.Background())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting orchestrator server", "port", s.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.Default().Server.ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		slog.Info("Shutting down orchestrator server")
		return server.Shutdown(shutdownCtx)
	})
	if s.supplier != nil {
		g.Go(func() error {
			return s.supplier.Run(gctx, s.cfg.Identity.RefreshInterval)
		})
	}
	return g.Wait()
}

// =============================================================================
// Initialization
// =============================================================================

func (s *Service) initLLMClient() (*llm.OpenAIClient, error) {
	oc := s.cfg.OpenAI
	llmCfg := llm.OpenAIConfig{
		APIType:           oc.APIType,
		BaseURL:           oc.Endpoint,
		APIKey:            oc.APIKey,
		APIVersion:        oc.APIVersion,
		ChatModel:         oc.ChatModel,
		EmbeddingModel:    oc.EmbeddingModel,
		RequestsPerSecond: oc.RequestsPerSecond,
		Burst:             oc.Burst,
	}

	if oc.APIType == config.APITypeAzureAD {
		id := s.cfg.Identity
		provider, err := credential.NewClientCredentialsProvider(id.ClientID, id.ClientSecret, id.ResolvedTokenURL(), nil)
		if err != nil {
			return nil, err
		}
		s.supplier, err = credential.NewSupplier(credential.SupplierConfig{
			Provider:       provider,
			Scope:          id.Scope,
			RefreshMargin:  id.RefreshMargin,
			RefreshTimeout: id.RefreshTimeout,
			Metrics:        s.metrics,
		})
		if err != nil {
			return nil, err
		}
		llmCfg.Bearer = s.supplier
	}
	return llm.NewOpenAIClient(llmCfg)
}

func initSearchBackend(ctx context.Context, sc config.SearchConfig) (*search.WeaviateBackend, error) {
	if sc.WeaviateURL == "" {
		return nil, errors.New("search.weaviate_url is required")
	}
	client, err := search.NewWeaviateClient(sc.WeaviateURL, sc.WeaviateAPIKey)
	if err != nil {
		return nil, err
	}
	wcfg := search.WeaviateConfig{
		ClassName: sc.ClassName,
		Fields: search.Fields{
			Content:    sc.ContentField,
			Source:     sc.SourceField,
			Category:   sc.CategoryField,
			AccessTags: sc.AccessTagsField,
		},
		HybridAlpha: sc.HybridAlpha,
	}
	if sc.EnsureSchema {
		if err := search.EnsurePassageClass(ctx, client, wcfg); err != nil {
			return nil, err
		}
	}
	return search.NewWeaviateBackend(client, wcfg)
}

// authProvider returns the supplied provider, or a JWT provider when auth
// is enabled and none was supplied.
func (s *Service) authProvider() (extensions.AuthProvider, error) {
	if _, isNop := s.opts.AuthProvider.(*extensions.NopAuthProvider); !isNop || !s.cfg.Auth.Enabled {
		return s.opts.AuthProvider, nil
	}
	return authgate.NewJWTAuthProvider(authgate.JWTConfig{
		SigningKey:   s.cfg.Auth.SigningKey,
		PublicKeyPEM: s.cfg.Auth.PublicKeyPEM,
		Issuer:       s.cfg.Auth.Issuer,
		Audience:     s.cfg.Auth.Audience,
	})
}

func approachConfig(cfg config.Config) (approaches.Config, error) {
	mode, err := search.ModeFromRetrievalMode(cfg.Search.DefaultMode, search.ModeHybrid)
	if err != nil {
		return approaches.Config{}, fmt.Errorf("invalid default retrieval mode: %w", err)
	}
	return approaches.Config{
		DefaultMode:        mode,
		DefaultTop:         cfg.Search.DefaultTop,
		Temperature:        cfg.Prompts.Temperature,
		RewriteTemperature: cfg.Prompts.RewriteTemperature,
		ResponseTokens:     cfg.Prompts.ResponseTokens,
		HistoryTokenBudget: cfg.Prompts.HistoryTokenBudget,
	}, nil
}

// initTracer installs the global tracer provider for the configured
// exporter. The returned function flushes and stops it.
func initTracer(ctx context.Context, tc config.TelemetryConfig) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	switch tc.Exporter {
	case config.ExporterNone:
		return func(context.Context) error { return nil }, nil
	case config.ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	default:
		conn, err := grpc.NewClient(tc.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(tc.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

func (s *Service) cleanup(ctx context.Context) {
	if s.embedder != nil {
		s.embedder.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Failed to close content store", "error", err)
		}
	}
	if err := s.opts.AuditLogger.Flush(ctx); err != nil {
		slog.Warn("Failed to flush audit log", "error", err)
	}
	if s.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.tracerShutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer provider", "error", err)
		}
	}
}
