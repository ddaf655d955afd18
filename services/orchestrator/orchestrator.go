// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the core orchestrator service for AleutianCRM.
//
// This package contains the main Orchestrator type that coordinates all
// components of the service: HTTP routing, the model client, the CRM Web API
// client, the policy engine, the agent loop, export storage and retention,
// and observability infrastructure.
//
// # Enterprise Integration
//
// The orchestrator supports dependency injection via extensions.ServiceOptions,
// enabling AleutianEnterprise to provide custom implementations of:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//   - MessageFilter: PII detection and redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := orchestrator.Config{Port: 12210, CRMBaseURL: "...", CRMAPIKey: "..."}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Enterprise (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider:  enterpriseAuth,
//	    AuditLogger:   enterpriseAudit,
//	}
//	svc, err := orchestrator.New(cfg, opts)
//
// # Import Path
//
// Enterprise imports this package as:
//
//	import "github.com/AleutianAI/AleutianCRM/services/orchestrator"
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianCRM/pkg/extensions"
	"github.com/AleutianAI/AleutianCRM/services/crm"
	"github.com/AleutianAI/AleutianCRM/services/llm"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/audit"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/exportstore"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/resolution"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianCRM/services/orchestrator/usage"
	"github.com/AleutianAI/AleutianCRM/services/policy_engine"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet (planned for future)
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// AuditSink returns the file audit sink, or nil when audit goes to
	// Postgres or is disabled. Exposed so the signal handler can reopen
	// the file after rotation.
	AuditSink() *audit.FileSink

	// PurgeLogger returns the retention purge logger, or nil when the
	// retention sweeper is disabled. Exposed for the same rotation hook.
	PurgeLogger() ttl.PurgeLogger
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the orchestrator service.
// Values can be populated from environment variables, config files,
// or programmatically for testing.
//
// # Required Fields
//
//   - CRMBaseURL, CRMAPIKey: The service answers questions against the CRM
//     Web API; without a reachable API there is nothing to orchestrate.
//
// # Optional Fields
//
// Everything else has defaults applied by New(). The model client reads its
// own credentials from the environment (ANTHROPIC_API_KEY / OPENAI_API_KEY
// with mounted-secret fallbacks).
//
// # Examples
//
//	// Minimal config
//	cfg := Config{
//	    CRMBaseURL: "https://crm.internal/api/data/v9.2",
//	    CRMAPIKey:  os.Getenv("CRM_API_KEY"),
//	}
//
//	// Full configuration
//	cfg := Config{
//	    Port:         12210,
//	    LLMBackend:   "anthropic",
//	    CRMBaseURL:   "https://crm.internal/api/data/v9.2",
//	    CRMAPIKey:    "...",
//	    WeaviateURL:  "http://localhost:8080",
//	    OTelEndpoint: "localhost:4317",
//	    GCSBucket:    "aleutian-exports",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// LLMBackend specifies the model provider.
	// Valid values: "anthropic", "claude", "openai"
	// Default: "anthropic"
	LLMBackend string

	// CRMBaseURL is the root of the CRM Web API. Required.
	CRMBaseURL string

	// CRMAPIKey authenticates the orchestrator to the Web API. Required.
	CRMAPIKey string

	// WeaviateURL is the Weaviate vector database URL.
	// If empty, semantic entity matching and notes search degrade to
	// lexical CRM queries.
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// PolicyPath is an explicit policy file. When set, the engine loads
	// from this path and a watcher hot-reloads it on change. When empty,
	// the engine falls back to its search-path chain.
	PolicyPath string

	// MaxRounds caps model rounds per conversation turn. Default: 12.
	MaxRounds int

	// PrimaryModel and FallbackModel override the loop's model choices.
	// Empty values use the model client's defaults.
	PrimaryModel  string
	FallbackModel string

	// ExportDir is the local export file directory. Default: "./exports".
	// Ignored when GCSBucket is set.
	ExportDir string

	// ExportBaseURL prefixes download URLs handed to clients.
	// Default: "/v1/exports/files"
	ExportBaseURL string

	// GCSBucket switches export storage to Google Cloud Storage.
	GCSBucket string

	// GCSPrefix namespaces objects within the bucket. Default: "exports".
	GCSPrefix string

	// GCSKeyPath is an optional service account key file. Empty uses
	// ambient credentials.
	GCSKeyPath string

	// RegistryPath is the badger directory for the export job registry.
	// Default: "./data/export_jobs". The literal ":memory:" selects an
	// in-memory registry for tests.
	RegistryPath string

	// AuditPostgresDSN routes round audit records to Postgres when set.
	AuditPostgresDSN string

	// AuditLogPath is the JSONL audit file used when no DSN is set.
	// Default: "./logs/audit_rounds.jsonl". Empty after defaulting is
	// impossible; set AuditDisabled to opt out entirely.
	AuditLogPath string

	// AuditDisabled turns off round auditing. Default: false.
	AuditDisabled bool

	// UsageInfluxURL enables per-round token usage recording to InfluxDB
	// when set. Token, org, and bucket must accompany it.
	UsageInfluxURL    string
	UsageInfluxToken  string
	UsageInfluxOrg    string
	UsageInfluxBucket string

	// RetentionEnabled runs the background export retention sweeper.
	// Default: true.
	RetentionEnabled bool

	// RetentionPeriod is how long terminal export jobs and files are kept.
	// Default: 168h (7 days).
	RetentionPeriod time.Duration

	// StalePeriod is how long non-terminal jobs are kept before they are
	// treated as abandoned. Default: 24h.
	StalePeriod time.Duration

	// CleanupInterval is how often the sweeper runs. Default: 1h.
	CleanupInterval time.Duration

	// PurgeLogPath is the tamper-evident purge audit log.
	// Default: "./logs/export_purges.log"
	PurgeLogPath string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service is the main implementation that coordinates:
//   - HTTP routing via Gin (SSE + WebSocket assistant transports)
//   - The model client (Messages API or OpenAI-compatible)
//   - The CRM Web API read client
//   - The policy engine and per-request restriction filters
//   - The agent loop with tool dispatch and export management
//   - Export file storage (local or GCS), job registry, retention sweeper
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
//
// # Limitations
//
//   - No hot-reload of configuration (the policy file hot-reloads; nothing
//     else does)
//   - Single model backend per instance
//
// # Assumptions
//
//   - All external services (model API, CRM, Weaviate, OTel) are reachable
//     if configured
type service struct {
	config Config
	opts   extensions.ServiceOptions
	router *gin.Engine

	llmClient     llm.LLMClient
	crmClient     crm.Client
	policyEngine  *policy_engine.PolicyEngine
	policyWatcher *policy_engine.PolicyWatcher

	weaviateClient *weaviate.Client
	matcher        *resolution.Matcher

	registry *exportstore.JobRegistry
	store    exportstore.Store
	loop     *agent.Loop

	fileAudit     *audit.FileSink
	postgresAudit *audit.PostgresSink
	usageRecorder *usage.Recorder

	retentionScheduler ttl.RetentionScheduler
	purgeLogger        ttl.PurgeLogger
	retentionFilter    ttl.RetentionFilter

	tracerCleanup func(context.Context)
	watcherCancel context.CancelFunc
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Creates the CRM Web API client (required)
//  4. Creates the Weaviate client and semantic matcher if URL provided
//  5. Initializes the policy engine (plus hot-reload watcher when
//     PolicyPath is set)
//  6. Creates the model client based on backend type
//  7. Creates export storage, the job registry, and the audit/usage sinks
//  8. Assembles the agent loop and its tool dispatcher
//  9. Starts the retention sweeper and sets up HTTP routes
//
// If opts is nil, DefaultOptions() is used (no-op implementations).
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults; CRMBaseURL and
//     CRMAPIKey are required.
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Examples
//
//	cfg := Config{
//	    CRMBaseURL: os.Getenv("CRM_BASE_URL"),
//	    CRMAPIKey:  os.Getenv("CRM_API_KEY"),
//	    LLMBackend: "anthropic",
//	}
//	svc, err := New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Limitations
//
//   - Model client creation fails fast when no API key can be found
//   - Weaviate is optional; resolution degrades without it
//
// # Assumptions
//
//   - Environment variables are set for the model provider (API keys, URLs)
//   - Network is available for external service connections
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	// Apply extension options (use defaults if nil)
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for assistant streaming")
	}

	// CRM Web API client is the one hard dependency: every tool reads
	// through it.
	if err := s.initCRMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize CRM client: %w", err)
	}

	// Semantic entity index (optional)
	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, entity resolution degrades to lexical matching",
			"error", err)
		// Not fatal - continue without the semantic index
	}

	// Policy engine + optional hot reload
	if err := s.initPolicyEngine(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Model client
	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}

	// Export storage, job registry, audit and usage sinks
	if err := s.initExportInfra(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize export storage: %w", err)
	}
	if err := s.initSinks(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize audit sink: %w", err)
	}

	// Agent loop + tool dispatcher
	s.initAgent()

	// Retention sweeper for expired export files and registry entries
	if s.config.RetentionEnabled {
		if err := s.initRetention(); err != nil {
			slog.Warn("Retention sweeper initialization failed",
				"error", err)
			// Not fatal - exports just never expire on their own
		}
	}
	s.retentionFilter = ttl.NewRetentionFilter(s.config.RetentionPeriod, 0)

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Outputs
//
//   - error: Non-nil if the server fails to start or encounters a fatal
//     error. Cleanup of background components is automatic on return.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// AuditSink returns the file audit sink, or nil.
func (s *service) AuditSink() *audit.FileSink {
	return s.fileAudit
}

// PurgeLogger returns the retention purge logger, or nil.
func (s *service) PurgeLogger() ttl.PurgeLogger {
	return s.purgeLogger
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "anthropic"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	// EnableMetrics defaults to true (zero value is false, so we need explicit check)
	// We'll handle this by always enabling unless explicitly disabled via a setter
	cfg.EnableMetrics = true

	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 12
	}

	// Export storage defaults
	if cfg.ExportDir == "" {
		cfg.ExportDir = "./exports"
	}
	if cfg.ExportBaseURL == "" {
		cfg.ExportBaseURL = "/v1/exports/files"
	}
	if cfg.GCSBucket != "" && cfg.GCSPrefix == "" {
		cfg.GCSPrefix = "exports"
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = "./data/export_jobs"
	}

	// Audit defaults
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "./logs/audit_rounds.jsonl"
	}

	// Retention defaults
	cfg.RetentionEnabled = true
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = 7 * 24 * time.Hour
	}
	if cfg.StalePeriod == 0 {
		cfg.StalePeriod = 24 * time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 1 * time.Hour
	}
	if cfg.PurgeLogPath == "" {
		cfg.PurgeLogPath = "./logs/export_purges.log"
	}

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up OTLP trace exporter to send spans to the configured collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("crm-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initCRMClient creates the Web API read client every tool dispatches
// through.
func (s *service) initCRMClient() error {
	client, err := crm.NewWebAPIClient(crm.Config{
		BaseURL: s.config.CRMBaseURL,
		APIKey:  s.config.CRMAPIKey,
	})
	if err != nil {
		return err
	}
	s.crmClient = client
	slog.Info("CRM Web API client initialized", "base_url", s.config.CRMBaseURL)
	return nil
}

// initWeaviate initializes the Weaviate client and the semantic matcher.
//
// # Description
//
// Creates a Weaviate client if WeaviateURL is configured, ensures the
// entity/note schema exists, and builds the resolution matcher on top.
//
// # Outputs
//
//   - error: Non-nil if Weaviate initialization fails
//
// # Limitations
//
//   - Returns nil error if WeaviateURL is empty (optional dependency)
//
// # Assumptions
//
//   - Weaviate server is running and accessible
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, semantic entity matching disabled")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}

	s.weaviateClient, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	if err := resolution.EnsureSchema(context.Background(), s.weaviateClient); err != nil {
		return fmt.Errorf("failed to ensure entity schema: %w", err)
	}

	s.matcher, err = resolution.NewMatcher(s.weaviateClient)
	if err != nil {
		return fmt.Errorf("failed to create semantic matcher: %w", err)
	}

	slog.Info("Weaviate semantic index initialized", "url", weaviateURL)
	return nil
}

// initPolicyEngine loads role policies, from PolicyPath when set, and
// starts the hot-reload watcher for explicit paths.
func (s *service) initPolicyEngine() error {
	var err error
	if s.config.PolicyPath != "" {
		s.policyEngine, err = policy_engine.NewPolicyEngineFromFile(s.config.PolicyPath)
		if err != nil {
			return err
		}

		watcher, werr := policy_engine.NewPolicyWatcher(s.policyEngine, s.config.PolicyPath, slog.Default())
		if werr != nil {
			slog.Warn("Policy hot-reload unavailable", "error", werr)
			return nil
		}
		ctx, cancel := context.WithCancel(context.Background())
		if werr := watcher.Start(ctx); werr != nil {
			cancel()
			slog.Warn("Policy watcher failed to start", "error", werr)
			return nil
		}
		s.policyWatcher = watcher
		s.watcherCancel = cancel
		return nil
	}

	s.policyEngine, err = policy_engine.NewPolicyEngine()
	return err
}

// initLLMClient initializes the model provider client.
//
// # Limitations
//
//   - Only supports: anthropic/claude, openai
func (s *service) initLLMClient() error {
	var err error

	switch s.config.LLMBackend {
	case "anthropic", "claude":
		s.llmClient, err = llm.NewAnthropicClient(llm.AnthropicConfig{})
		slog.Info("Using Anthropic Messages API backend")
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{})
		slog.Info("Using OpenAI-compatible backend")
	default:
		slog.Warn("Unknown model backend, defaulting to anthropic", "backend", s.config.LLMBackend)
		s.llmClient, err = llm.NewAnthropicClient(llm.AnthropicConfig{})
	}

	return err
}

// initExportInfra creates export file storage and the badger job registry.
func (s *service) initExportInfra() error {
	var err error

	if s.config.GCSBucket != "" {
		s.store, err = exportstore.NewGCSStore(context.Background(),
			s.config.GCSBucket, s.config.GCSPrefix, s.config.ExportBaseURL, s.config.GCSKeyPath)
		if err != nil {
			return fmt.Errorf("GCS store: %w", err)
		}
		slog.Info("Export storage: GCS", "bucket", s.config.GCSBucket, "prefix", s.config.GCSPrefix)
	} else {
		s.store, err = exportstore.NewLocalStore(s.config.ExportDir, s.config.ExportBaseURL)
		if err != nil {
			return fmt.Errorf("local store: %w", err)
		}
		slog.Info("Export storage: local directory", "dir", s.config.ExportDir)
	}

	if s.config.RegistryPath == ":memory:" {
		s.registry, err = exportstore.NewInMemoryJobRegistry()
	} else {
		s.registry, err = exportstore.NewJobRegistry(s.config.RegistryPath)
	}
	if err != nil {
		return fmt.Errorf("job registry: %w", err)
	}

	return nil
}

// initSinks creates the round audit sink and the optional usage recorder.
func (s *service) initSinks() error {
	if !s.config.AuditDisabled {
		if s.config.AuditPostgresDSN != "" {
			sink, err := audit.NewPostgresSink(context.Background(), s.config.AuditPostgresDSN)
			if err != nil {
				return fmt.Errorf("postgres audit sink: %w", err)
			}
			s.postgresAudit = sink
			slog.Info("Round audit: Postgres")
		} else {
			sink, err := audit.NewFileSink(s.config.AuditLogPath)
			if err != nil {
				return fmt.Errorf("file audit sink: %w", err)
			}
			s.fileAudit = sink
			slog.Info("Round audit: JSONL file", "path", s.config.AuditLogPath)
		}
	}

	if s.config.UsageInfluxURL != "" {
		recorder, err := usage.NewRecorder(s.config.UsageInfluxURL,
			s.config.UsageInfluxToken, s.config.UsageInfluxOrg, s.config.UsageInfluxBucket)
		if err != nil {
			slog.Warn("Usage recorder unavailable", "error", err)
		} else {
			s.usageRecorder = recorder
			slog.Info("Token usage recording: InfluxDB", "url", s.config.UsageInfluxURL)
		}
	}

	return nil
}

// initAgent assembles the tool graph and the round loop.
//
// The matcher may be nil (no Weaviate); the resolver and dispatcher both
// degrade gracefully in that case.
func (s *service) initAgent() {
	resolver := agent.NewEntityResolver(s.crmClient, semanticOrNil(s.matcher))
	relationships := agent.NewRelationshipEngine(s.crmClient, resolver)
	exports := agent.NewExportManager(s.crmClient, s.llmClient, s.store, s.registry)
	dispatcher := agent.NewDispatcher(s.crmClient, resolver, relationships, notesOrNil(s.matcher), exports)

	opts := []agent.LoopOption{
		agent.WithMaxRounds(s.config.MaxRounds),
	}
	if s.config.PrimaryModel != "" {
		opts = append(opts, agent.WithPrimaryModel(s.config.PrimaryModel))
	}
	if s.config.FallbackModel != "" {
		opts = append(opts, agent.WithFallbackModel(s.config.FallbackModel))
	}
	if s.postgresAudit != nil {
		opts = append(opts, agent.WithAuditSink(s.postgresAudit))
	} else if s.fileAudit != nil {
		opts = append(opts, agent.WithAuditSink(s.fileAudit))
	}
	if s.usageRecorder != nil {
		opts = append(opts, agent.WithUsageRecorder(s.usageRecorder))
	}

	s.loop = agent.NewLoop(s.llmClient, dispatcher, s.policyEngine, opts...)
}

// semanticOrNil converts a possibly-nil *Matcher to the agent interface
// without producing a non-nil interface wrapping a nil pointer.
func semanticOrNil(m *resolution.Matcher) agent.SemanticMatcher {
	if m == nil {
		return nil
	}
	return m
}

func notesOrNil(m *resolution.Matcher) agent.NotesSearcher {
	if m == nil {
		return nil
	}
	return m
}

// initRetention starts the background sweeper that purges expired export
// files and registry entries.
//
// # Limitations
//
//   - Log directory must be writable
//
// # Assumptions
//
//   - Export store and registry are initialized (checked by caller order)
func (s *service) initRetention() error {
	logger, err := ttl.NewPurgeLogger(s.config.PurgeLogPath)
	if err != nil {
		slog.Warn("Failed to create purge audit logger, continuing without audit log",
			"log_path", s.config.PurgeLogPath,
			"error", err)
		// Continue without the purge log - slog still captures purges
	} else {
		s.purgeLogger = logger
	}

	retentionConfig := ttl.RetentionConfig{
		RetentionPeriod: s.config.RetentionPeriod,
		StalePeriod:     s.config.StalePeriod,
	}
	verifier := ttl.NewStoreVerifier(s.store, s.registry)
	retention := ttl.NewRetentionServiceWithAudit(s.registry, s.store, retentionConfig,
		ttl.NewClockChecker(), verifier, s.purgeLogger, ttl.NewNoopPurgeSink())

	schedulerConfig := ttl.DefaultSchedulerConfig()
	schedulerConfig.Interval = s.config.CleanupInterval

	s.retentionScheduler = ttl.NewRetentionScheduler(retention, s.purgeLogger, schedulerConfig)

	if err := s.retentionScheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	slog.Info("Export retention sweeper started",
		"interval", s.config.CleanupInterval.String(),
		"retention", s.config.RetentionPeriod.String(),
		"log_path", s.config.PurgeLogPath,
	)

	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Assumptions
//
//   - All dependencies (loop, registry, store) are initialized
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("crm-orchestrator"))

	routes.SetupRoutes(s.router, s.loop, s.registry, s.store, s.retentionFilter, s.opts)
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Stops the retention
// sweeper and policy watcher, closes sinks and the registry, and shuts down
// the tracer.
func (s *service) cleanup() {
	if s.retentionScheduler != nil {
		if err := s.retentionScheduler.Stop(); err != nil {
			slog.Warn("Retention sweeper stop error", "error", err)
		}
	}

	if s.purgeLogger != nil {
		if err := s.purgeLogger.Close(); err != nil {
			slog.Warn("Purge logger close error", "error", err)
		}
	}

	if s.policyWatcher != nil {
		s.policyWatcher.Stop()
	}
	if s.watcherCancel != nil {
		s.watcherCancel()
	}

	if s.fileAudit != nil {
		if err := s.fileAudit.Close(); err != nil {
			slog.Warn("Audit sink close error", "error", err)
		}
	}
	if s.postgresAudit != nil {
		if err := s.postgresAudit.Close(); err != nil {
			slog.Warn("Audit database close error", "error", err)
		}
	}

	if s.usageRecorder != nil {
		s.usageRecorder.Close()
	}

	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			slog.Warn("Job registry close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
