// Package flex wires the orchestrator together: capability registry,
// planner, execution engine, coordinator and HTTP API, backed by Redis or
// in-memory stores.
package flex

import (
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"

	"github.com/flexhq/flex/ai"
	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/orchestration"
	"github.com/flexhq/flex/registry"
	"github.com/flexhq/flex/resilience"
)

// Config configures a Server. Zero values mean in-memory stores, the
// default facet catalog, and an OpenAI client from the environment.
type Config struct {
	// RedisURL enables Redis-backed stores when set.
	RedisURL string
	// Namespace prefixes every Redis key. Defaults to "flex".
	Namespace string
	// Catalog is the facet vocabulary. Defaults to facet.DefaultCatalog().
	Catalog *facet.Catalog
	// AIClient overrides the model client. Defaults to an OpenAI client
	// configured from OPENAI_API_KEY and OPENAI_BASE_URL.
	AIClient core.AIClient
	// PlannerModel names the planning model; empty uses the client default.
	PlannerModel string
	Logger       core.Logger
	Telemetry    core.Telemetry
}

// Server is the assembled orchestrator.
type Server struct {
	Registry    *registry.Service
	Planner     *orchestration.Planner
	Engine      *orchestration.Engine
	Coordinator *orchestration.Coordinator
	Hitl        *orchestration.HitlService
	API         *orchestration.APIHandler
	Catalog     *facet.Catalog

	redisClient *redis.Client
}

// NewServer builds the full stack from a config.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewProductionLogger(core.DefaultLoggingConfig(), core.DefaultDevelopmentConfig(), "flex")
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = core.NoOpTelemetry{}
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = facet.DefaultCatalog()
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "flex"
	}

	var capStore registry.Store
	var runStore orchestration.RunStore
	var hitlStore orchestration.HitlStore
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := core.NewRedisClient(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisClient = client
		capStore = registry.NewRedisStore(client, namespace, logger)
		runStore = orchestration.NewRedisRunStore(client, namespace, logger)
		hitlStore = orchestration.NewRedisHitlStore(client, namespace)
	} else {
		capStore = registry.NewMemoryStore()
		runStore = orchestration.NewMemoryRunStore()
		hitlStore = orchestration.NewMemoryHitlStore()
	}

	aiClient := cfg.AIClient
	if aiClient == nil {
		aiClient = ai.NewOpenAIClient("",
			ai.WithCircuitBreaker(resilience.NewCircuitBreaker(nil)),
			ai.WithLogger(logger),
			ai.WithTelemetry(tel),
		)
	}

	reg := registry.NewService(capStore, catalog,
		registry.WithLogger(logger),
		registry.WithTelemetry(tel),
	)
	hitl := orchestration.NewHitlService(hitlStore, orchestration.WithHitlLogger(logger))
	planner := orchestration.NewPlanner(reg, catalog, aiClient,
		orchestration.WithPlannerModel(cfg.PlannerModel),
		orchestration.WithPlannerLogger(logger),
		orchestration.WithPlannerTelemetry(tel),
	)
	engine := orchestration.NewEngine(runStore, reg, catalog, aiClient, hitl,
		orchestration.WithEngineLogger(logger),
		orchestration.WithEngineTelemetry(tel),
	)
	coordinator := orchestration.NewCoordinator(runStore, reg, catalog, planner, engine, hitl,
		orchestration.WithCoordinatorLogger(logger),
		orchestration.WithCoordinatorTelemetry(tel),
	)

	return &Server{
		Registry:    reg,
		Planner:     planner,
		Engine:      engine,
		Coordinator: coordinator,
		Hitl:        hitl,
		API:         orchestration.NewAPIHandler(coordinator, reg, logger),
		Catalog:     catalog,
		redisClient: redisClient,
	}, nil
}

// Handler returns the HTTP handler with every API route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.API.RegisterRoutes(mux)
	return mux
}

// Close releases held connections.
func (s *Server) Close() error {
	if s.redisClient != nil {
		return s.redisClient.Close()
	}
	return nil
}
