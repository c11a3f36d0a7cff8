package container

import (
	"fmt"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/repository"
	"github.com/lorecraft/cardsmith/cmd/cardsmith/service"
	"github.com/lorecraft/cardsmith/common/agent"
	"github.com/lorecraft/cardsmith/common/bootstrap"
	"github.com/lorecraft/cardsmith/common/ratelimit"
	rediscommon "github.com/lorecraft/cardsmith/common/redis"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components  *bootstrap.Components
	Redis       *rediscommon.Client
	RateLimiter *ratelimit.RateLimiter
	Gateway     agent.Gateway

	// Repositories
	DraftRepo   *repository.DraftRepository
	IdemRepo    *repository.IdempotencyRepository
	PendingRepo *repository.PendingRepository
	RunRepo     *repository.RunRepository
	MessageRepo *repository.MessageRepository

	// Services
	DraftService   *service.DraftService
	PendingService *service.PendingService
	TurnExecutor   *service.TurnExecutor
	RunService     *service.RunService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	redisClient := rediscommon.NewClient(components.Redis, components.Logger)
	rateLimiter := ratelimit.NewRateLimiter(components.Redis, components.Logger)

	gateway := agent.NewHTTPGateway(
		cfg.Agent.BaseURL,
		cfg.Agent.APIKey,
		cfg.Agent.Model,
		cfg.Agent.Timeout,
	)

	// Repositories
	draftRepo := repository.NewDraftRepository(components.DB)
	idemRepo := repository.NewIdempotencyRepository(components.DB)
	pendingRepo := repository.NewPendingRepository(components.DB)
	runRepo := repository.NewRunRepository(components.DB)
	messageRepo := repository.NewMessageRepository(components.DB)

	// Services (bottom-up: dependencies first)
	draftService := service.NewDraftService(&service.DraftServiceOpts{
		Drafts:   draftRepo,
		Runs:     runRepo,
		Cache:    components.Cache,
		CacheTTL: cfg.Cache.DefaultTTL,
		Logger:   components.Logger,
	})

	pendingService := service.NewPendingService(&service.PendingServiceOpts{
		Drafts:   draftService,
		Pending:  pendingRepo,
		Messages: messageRepo,
		Logger:   components.Logger,
	})

	turnExecutor := service.NewTurnExecutor(&service.TurnExecutorOpts{
		Drafts:   draftService,
		Pending:  pendingRepo,
		Idem:     idemRepo,
		Messages: messageRepo,
		Builder:  service.NewContextBuilder(messageRepo),
		Gateway:  gateway,
		Logger:   components.Logger,
	})

	runService := service.NewRunService(&service.RunServiceOpts{
		Runs:    runRepo,
		Drafts:  draftService,
		Pending: pendingRepo,
		Turns:   turnExecutor,
		Queue:   components.Queue,
		Pub:     redisClient,
		Config:  cfg.Runs,
		Logger:  components.Logger,
	})

	if components.Queue == nil {
		return nil, fmt.Errorf("run orchestration requires the queue component")
	}

	return &Container{
		Components:     components,
		Redis:          redisClient,
		RateLimiter:    rateLimiter,
		Gateway:        gateway,
		DraftRepo:      draftRepo,
		IdemRepo:       idemRepo,
		PendingRepo:    pendingRepo,
		RunRepo:        runRepo,
		MessageRepo:    messageRepo,
		DraftService:   draftService,
		PendingService: pendingService,
		TurnExecutor:   turnExecutor,
		RunService:     runService,
	}, nil
}
