// Package bootstrap wires the process: shared dependencies, the API
// application, and the worker runtime.
package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"pipeline_server/adapter/out/bodystore"
	"pipeline_server/adapter/out/messaging"
	"pipeline_server/adapter/out/persistence"
	"pipeline_server/config"
	"pipeline_server/core/agent/llm"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/chain"
	"pipeline_server/core/service/ingest"
	"pipeline_server/core/service/triage"
	"pipeline_server/infra/database"
	"pipeline_server/pkg/cache"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/metrics"
	"pipeline_server/pkg/snowflake"
)

// Dependencies holds every shared component, constructed once at process
// start with explicit close lifecycles.
type Dependencies struct {
	Config *config.Config

	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	EmailRepo out.EmailRepository
	ChainRepo *persistence.ChainAdapter
	BodyRepo  out.BodyStore
	Queue     *messaging.Queue

	// Services
	RuleEngine    *triage.Engine
	ChainAnalyzer *chain.Analyzer
	LLMClient     *llm.Client
	IngestService *ingest.Service

	// Observability
	Hub     *metrics.Hub
	Checker *metrics.HealthChecker
}

// NewDependencies constructs the shared dependency graph. The returned
// cleanup closes every connection.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	if err := cfg.Validate(true, true); err != nil {
		return nil, nil, err
	}

	hub := metrics.NewHub()

	logger.Debug("Connecting to PostgreSQL...")
	pool, err := database.NewPostgres(cfg.StoreURL)
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := database.NewSQLX(cfg.StoreURL)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = database.EnsureSchema(schemaCtx, sqlDB)
	schemaCancel()
	if err != nil {
		pool.Close()
		sqlDB.Close()
		return nil, nil, err
	}

	logger.Debug("Connecting to Redis...")
	redisClient, err := database.NewRedis(cfg.QueueURL)
	if err != nil {
		pool.Close()
		sqlDB.Close()
		return nil, nil, err
	}

	var mongoClient *mongo.Client
	var bodyRepo out.BodyStore
	if cfg.BodyStoreURL != "" {
		logger.Debug("Connecting to MongoDB...")
		mongoClient, err = database.NewMongo(cfg.BodyStoreURL)
		if err != nil {
			pool.Close()
			sqlDB.Close()
			redisClient.Close()
			return nil, nil, err
		}
		bodyAdapter := bodystore.NewBodyAdapter(mongoClient.Database(cfg.BodyStoreName))
		indexCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := bodyAdapter.EnsureIndexes(indexCtx); err != nil {
			logger.Warn("body store index creation failed: %v", err)
		}
		cancel()
		bodyRepo = bodyAdapter
	} else {
		// No Mongo configured: bodies degrade to relational previews.
		bodyRepo = noopBodyStore{}
	}

	ids, err := snowflake.NewGenerator(workerShard(cfg.WorkerID))
	if err != nil {
		return nil, nil, err
	}

	emailRepo := persistence.NewEmailAdapter(sqlDB, ids)
	chainRepo := persistence.NewChainAdapter(sqlDB, ids)

	queue := messaging.NewQueue(redisClient, &messaging.Config{
		VisibilityTimeout: time.Duration(cfg.QueueVisibilityTimeoutSec) * time.Second,
		MaxAttempts:       cfg.QueueMaxAttempts,
		AgingThreshold:    time.Duration(cfg.QueueAgingThresholdMin) * time.Minute,
	}, zlog())
	queue.OnDeadLetter(hub.JobDeadLettered)

	llmConfig := llm.DefaultClientConfig(cfg.LLMRuntimeURL)
	llmConfig.Mid.Model = cfg.LLMMidModel
	llmConfig.Mid.Timeout = time.Duration(cfg.LLMMidTimeoutSec) * time.Second
	llmConfig.High.Model = cfg.LLMHighModel
	llmConfig.High.Timeout = time.Duration(cfg.LLMHighTimeoutSec) * time.Second
	llmConfig.MaxRetries = cfg.LLMMaxRetries

	llmClient := llm.NewClient(llmConfig, hub)
	if cfg.LLMCacheEnabled {
		llmClient = llmClient.WithCache(cache.NewCompletionCache(redisClient))
	}

	analyzer := chain.NewAnalyzer(emailRepo, chainRepo, &chain.Config{
		MidThreshold:  cfg.CompletenessThresholdMid,
		HighThreshold: cfg.CompletenessThresholdHigh,
	})

	ingestService := ingest.NewService(emailRepo, bodyRepo, queue, analyzer, hub)

	checker := metrics.NewHealthChecker(
		metrics.PingFunc(emailRepo.Ping),
		metrics.PingFunc(queue.Ping),
		metrics.PingFunc(llmClient.Ping),
	)

	deps := &Dependencies{
		Config:        cfg,
		DB:            pool,
		SQLDB:         sqlDB,
		Redis:         redisClient,
		MongoDB:       mongoClient,
		EmailRepo:     emailRepo,
		ChainRepo:     chainRepo,
		BodyRepo:      bodyRepo,
		Queue:         queue,
		RuleEngine:    triage.NewEngine(&triage.Config{CustomerDomains: cfg.CustomerDomains}),
		ChainAnalyzer: analyzer,
		LLMClient:     llmClient,
		IngestService: ingestService,
		Hub:           hub,
		Checker:       checker,
	}

	cleanup := func() {
		sqlDB.Close()
		pool.Close()
		redisClient.Close()
		if mongoClient != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = mongoClient.Disconnect(ctx)
			cancel()
		}
	}

	return deps, cleanup, nil
}

// workerShard folds the worker id into the snowflake shard space.
func workerShard(workerID string) int64 {
	var h int64
	for _, c := range workerID {
		h = (h*31 + int64(c)) % 1024
	}
	if h < 0 {
		h += 1024
	}
	return h
}

// noopBodyStore serves deployments without a body store configured.
type noopBodyStore struct{}

func (noopBodyStore) Put(context.Context, int64, string) error { return nil }
func (noopBodyStore) Get(context.Context, int64) (string, error) {
	return "", errBodyStoreDisabled
}
func (noopBodyStore) Delete(context.Context, int64) error { return nil }
func (noopBodyStore) Ping(context.Context) error          { return nil }
