// Package di provides dependency injection container for managing service lifecycle and dependencies.
package di

import (
	"context"
	"database/sql"
	"sync"

	"lessongen/internal/config"
	"lessongen/internal/database"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	"lessongen/internal/services"
	"lessongen/internal/services/mailer"
	"lessongen/internal/services/providers"
	contextutils "lessongen/internal/utils"
)

// Registered service names
const (
	ServiceLessonStore  = "lesson_store"
	ServiceCache        = "cache"
	ServiceLoadBalancer = "load_balancer"
	ServiceValidator    = "validator"
	ServiceRateLimiter  = "rate_limiter"
	ServiceQueue        = "queue"
	ServiceTemplates    = "templates"
	ServiceProgress     = "progress"
	ServiceNotifier     = "notifier"
	ServiceGeneration   = "generation"
)

// ServiceContainerInterface defines the interface for service containers
type ServiceContainerInterface interface {
	GetService(name string) (interface{}, error)
	GetGenerationService() (services.GenerationServiceInterface, error)
	GetLoadBalancer() (services.LoadBalancerInterface, error)
	GetLessonStore() (services.LessonStoreInterface, error)
	GetDatabase() *sql.DB
	GetConfig() *config.Config
	GetLogger() *observability.Logger
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Option customises a ServiceContainer before Initialize
type Option func(*ServiceContainer)

// WithProviders replaces the configured providers, used by tests and dry runs
func WithProviders(entries []services.BalancedProvider) Option {
	return func(sc *ServiceContainer) { sc.providerOverride = entries }
}

// WithClock sets the clock used by the admission layer
func WithClock(clock contextutils.Clock) Option {
	return func(sc *ServiceContainer) { sc.clock = clock }
}

// WithMetrics sets the metric instruments. Without it NewMetrics is used.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(sc *ServiceContainer) { sc.metrics = metrics }
}

// WithLessonStore replaces the store chosen from the database config
func WithLessonStore(store services.LessonStoreInterface) Option {
	return func(sc *ServiceContainer) { sc.storeOverride = store }
}

// ServiceContainer manages all service dependencies and lifecycle
type ServiceContainer struct {
	cfg       *config.Config
	logger    *observability.Logger
	dbManager *database.Manager
	db        *sql.DB
	metrics   *observability.Metrics
	clock     contextutils.Clock

	providerOverride []services.BalancedProvider
	storeOverride    services.LessonStoreInterface

	services map[string]interface{}
	// order is the registration order; shutdown runs in reverse
	order         []string
	mu            sync.RWMutex
	shutdownFuncs []func(context.Context) error
}

// NewServiceContainer creates a new dependency injection container
func NewServiceContainer(cfg *config.Config, logger *observability.Logger, opts ...Option) *ServiceContainer {
	sc := &ServiceContainer{
		cfg:      cfg,
		logger:   logger,
		clock:    contextutils.SystemClock{},
		services: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Initialize sets up all services and their dependencies
func (sc *ServiceContainer) Initialize(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.metrics == nil {
		metrics, err := observability.NewMetrics()
		if err != nil {
			sc.logger.Warn(ctx, "Metrics unavailable, continuing without them", map[string]interface{}{"error": err.Error()})
		}
		sc.metrics = metrics
	}

	if err := sc.initializeStore(ctx); err != nil {
		_ = sc.cleanup(ctx)
		return err
	}

	if err := sc.initializeServices(ctx); err != nil {
		_ = sc.cleanup(ctx)
		return contextutils.WrapErrorf(err, "failed to initialize services")
	}

	// Startup lifecycle services
	if err := sc.startupServices(ctx); err != nil {
		_ = sc.cleanup(ctx)
		return contextutils.WrapErrorf(err, "failed to startup services")
	}

	return nil
}

func (sc *ServiceContainer) initializeStore(ctx context.Context) error {
	var store services.LessonStoreInterface
	switch {
	case sc.storeOverride != nil:
		store = sc.storeOverride
	case sc.cfg.Database.URL != "":
		sc.dbManager = database.NewManager(sc.logger)
		db, err := sc.dbManager.Open(ctx, sc.cfg.Database)
		if err != nil {
			return contextutils.WrapErrorf(err, "failed to initialize database")
		}
		sc.db = db
		sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
			return db.Close()
		})
		store = services.NewPostgresLessonStore(db, sc.logger)
	default:
		sc.logger.Warn(ctx, "No database configured, lessons are kept in memory")
		store = services.NewMemoryLessonStore()
	}

	for _, t := range sc.cfg.Topics {
		topic := &models.Topic{ID: t.ID, Name: t.Name, Description: t.Description, Subject: t.Subject, Keywords: t.Keywords}
		if err := store.UpsertTopic(ctx, topic); err != nil {
			return contextutils.WrapErrorf(err, "failed to seed topic %s", t.ID)
		}
	}
	sc.register(ServiceLessonStore, store)
	return nil
}

func (sc *ServiceContainer) register(name string, service interface{}) {
	sc.services[name] = service
	sc.order = append(sc.order, name)
}

// GetService retrieves a service by name with type assertion
func (sc *ServiceContainer) GetService(name string) (interface{}, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	service, exists := sc.services[name]
	if !exists {
		return nil, contextutils.ErrorWithContextf("service %s not found", name)
	}
	return service, nil
}

// GetServiceAs performs type-safe service retrieval
func GetServiceAs[T any](sc *ServiceContainer, name string) (T, error) {
	var zero T
	service, err := sc.GetService(name)
	if err != nil {
		return zero, err
	}

	typed, ok := service.(T)
	if !ok {
		return zero, contextutils.ErrorWithContextf("service %s is not of expected type %T", name, zero)
	}
	return typed, nil
}

// GetGenerationService returns the generation orchestrator
func (sc *ServiceContainer) GetGenerationService() (services.GenerationServiceInterface, error) {
	return GetServiceAs[services.GenerationServiceInterface](sc, ServiceGeneration)
}

// GetLoadBalancer returns the provider load balancer
func (sc *ServiceContainer) GetLoadBalancer() (services.LoadBalancerInterface, error) {
	return GetServiceAs[services.LoadBalancerInterface](sc, ServiceLoadBalancer)
}

// GetLessonStore returns the lesson store
func (sc *ServiceContainer) GetLessonStore() (services.LessonStoreInterface, error) {
	return GetServiceAs[services.LessonStoreInterface](sc, ServiceLessonStore)
}

// GetDatabase returns the database instance, nil when lessons are kept in memory
func (sc *ServiceContainer) GetDatabase() *sql.DB {
	return sc.db
}

// GetConfig returns the configuration
func (sc *ServiceContainer) GetConfig() *config.Config {
	return sc.cfg
}

// GetLogger returns the logger
func (sc *ServiceContainer) GetLogger() *observability.Logger {
	return sc.logger
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.cleanup(ctx)
}

// startupServices starts the background loops of services that have them
func (sc *ServiceContainer) startupServices(ctx context.Context) error {
	for _, name := range sc.order {
		switch service := sc.services[name].(type) {
		case interface{ Startup(context.Context) error }:
			sc.logger.Info(ctx, "Starting service", map[string]interface{}{"service": name})
			if err := service.Startup(ctx); err != nil {
				return contextutils.WrapErrorf(err, "failed to startup service %s", name)
			}
		case interface{ Start() }:
			sc.logger.Info(ctx, "Starting service", map[string]interface{}{"service": name})
			service.Start()
		}
	}
	return nil
}

// cleanup handles shutdown of all services
func (sc *ServiceContainer) cleanup(ctx context.Context) error {
	var errors []error

	// Shutdown lifecycle services first, in reverse registration order
	for i := len(sc.order) - 1; i >= 0; i-- {
		name := sc.order[i]
		lifecycleService, ok := sc.services[name].(interface{ Shutdown(context.Context) error })
		if !ok {
			continue
		}
		sc.logger.Info(ctx, "Shutting down service", map[string]interface{}{"service": name})
		if err := lifecycleService.Shutdown(ctx); err != nil {
			sc.logger.Error(ctx, "Failed to shutdown service", err, map[string]interface{}{"service": name})
			errors = append(errors, contextutils.WrapErrorf(err, "service %s shutdown failed", name))
		} else {
			sc.logger.Info(ctx, "Service shutdown successfully", map[string]interface{}{"service": name})
		}
	}
	sc.services = make(map[string]interface{})
	sc.order = nil

	// Shutdown resources in reverse order of initialization
	for i := len(sc.shutdownFuncs) - 1; i >= 0; i-- {
		if err := sc.shutdownFuncs[i](ctx); err != nil {
			errors = append(errors, err)
		}
	}
	sc.shutdownFuncs = nil

	if len(errors) > 0 {
		return contextutils.ErrorWithContextf("shutdown errors: %v", errors)
	}
	return nil
}

func (sc *ServiceContainer) balancedProviders(ctx context.Context) ([]services.BalancedProvider, error) {
	if sc.providerOverride != nil {
		return sc.providerOverride, nil
	}

	built, err := providers.NewAll(sc.cfg.Providers, sc.logger)
	if err != nil {
		return nil, err
	}
	entries := make([]services.BalancedProvider, 0, len(built))
	for i, p := range built {
		entries = append(entries, services.BalancedProvider{
			Provider:   p,
			Descriptor: services.DescriptorFromConfig(sc.cfg.Providers[i]),
		})
	}
	sc.logger.Info(ctx, "Providers configured", map[string]interface{}{"count": len(entries)})
	return entries, nil
}

// initializeServices sets up all service dependencies
func (sc *ServiceContainer) initializeServices(ctx context.Context) error {
	store, _ := sc.services[ServiceLessonStore].(services.LessonStoreInterface)

	cache, err := services.NewCache(sc.cfg.Cache, sc.logger)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to create cache")
	}
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error { return cache.Close() })
	sc.services[ServiceCache] = cache

	entries, err := sc.balancedProviders(ctx)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to create providers")
	}
	balancer, err := services.NewProviderLoadBalancer(sc.cfg.LoadBalancer, entries, sc.logger, sc.metrics)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to create load balancer")
	}
	sc.register(ServiceLoadBalancer, balancer)

	validator := services.NewContentValidator(sc.cfg.Validation, sc.logger)
	sc.register(ServiceValidator, validator)

	queue := services.NewGenerationQueue(sc.cfg.Queue, sc.logger)
	sc.register(ServiceQueue, queue)

	limiter := services.NewRateLimiter(sc.cfg.RateLimiter, sc.clock, sc.logger, sc.metrics)
	sc.register(ServiceRateLimiter, limiter)

	templates, err := services.NewPromptTemplates()
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to load templates")
	}
	sc.services[ServiceTemplates] = templates

	progress := services.NewProgressAnalyzer(sc.cfg.Generation, sc.cfg.Cache, store, cache, sc.logger)
	sc.services[ServiceProgress] = progress

	var notifier services.NotifierInterface
	if sc.cfg.Email.Enabled {
		notifier = services.NewEmailNotifier(mailer.NewSMTPMailer(sc.cfg.Email, sc.logger), services.EmailAddressUserIDs, sc.cfg.Server.AppBaseURL, templates, sc.logger)
	} else {
		notifier = services.NewLogNotifier(sc.logger)
	}
	sc.services[ServiceNotifier] = notifier

	orchestrator := services.NewGenerationOrchestrator(sc.cfg, services.OrchestratorDeps{
		Limiter:   limiter,
		Queue:     queue,
		Balancer:  balancer,
		Validator: validator,
		Store:     store,
		Cache:     cache,
		Progress:  progress,
		Notifier:  notifier,
		Templates: templates,
		Clock:     sc.clock,
		Metrics:   sc.metrics,
	}, sc.logger)
	// registered last so it shuts down first and drains notifications
	sc.register(ServiceGeneration, orchestrator)

	return nil
}
