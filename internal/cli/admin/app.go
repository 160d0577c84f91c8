package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/cloo-solutions/regaudit/internal/chunker"
	"github.com/cloo-solutions/regaudit/internal/config"
	"github.com/cloo-solutions/regaudit/internal/database"
	"github.com/cloo-solutions/regaudit/internal/embedder"
	"github.com/cloo-solutions/regaudit/internal/ingest"
	"github.com/cloo-solutions/regaudit/internal/jobs"
	"github.com/cloo-solutions/regaudit/internal/llm"
	"github.com/cloo-solutions/regaudit/internal/matcher"
	"github.com/cloo-solutions/regaudit/internal/openai"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
	"github.com/cloo-solutions/regaudit/internal/pipeline"
	"github.com/cloo-solutions/regaudit/internal/registry"
	"github.com/cloo-solutions/regaudit/internal/report"
	"github.com/cloo-solutions/regaudit/internal/repository"
	"github.com/cloo-solutions/regaudit/internal/sink"
	"github.com/cloo-solutions/regaudit/internal/storage"
)

// appOptions selects how much of the engine a command needs
type appOptions struct {
	// Workers sizes the case queue. Zero gives an insert-only queue, so cases
	// started from the CLI are worked by a running server.
	Workers int
	// Inline runs cases in the calling process instead of queueing them.
	Inline bool
	// Migrate applies schema and queue migrations before wiring.
	Migrate bool
}

// app is the wired engine shared by serve and the admin commands
type app struct {
	cfg  *config.Config
	pool *pgxpool.Pool

	chunks      *repository.ChunkRepository
	index       *repository.VectorIndex
	regulations *repository.RegulationRepository
	repos       *repository.CodeRepositoryRepository
	events      *repository.InboundEventRepository
	cases       *repository.CaseRepository

	ingest       *ingest.Service
	registry     *registry.Registry
	embedder     *embedder.Gateway
	queue        *jobs.Queue
	archiver     *report.Archiver
	orchestrator *orchestrator.Service
}

func getDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, ConnectWait: cfg.DBConnectWait})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Debug().Msg("connected to database")
	return pool, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	pool, err := getDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, pool: pool}
	if err := a.wire(ctx, opts); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	if opts.Migrate {
		if _, err := database.Migrate(cfg.DatabaseURL, database.DefaultMigrationsDir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		if err := jobs.Migrate(ctx, a.pool); err != nil {
			return fmt.Errorf("failed to run queue migrations: %w", err)
		}
	}

	a.chunks = repository.NewChunkRepository(a.pool)
	a.index = repository.NewVectorIndex(a.pool)
	a.regulations = repository.NewRegulationRepository(a.pool)
	a.repos = repository.NewCodeRepositoryRepository(a.pool)
	a.events = repository.NewInboundEventRepository(a.pool)
	a.cases = repository.NewCaseRepository(a.pool)

	var counter chunker.TokenCounter
	if cfg.TokenizerModel != "" {
		tc, err := chunker.NewTiktokenCounter(cfg.TokenizerModel)
		if err != nil {
			return fmt.Errorf("failed to load tokenizer: %w", err)
		}
		counter = tc
	}
	ch := chunker.New(chunker.Config{MaxTokens: cfg.ChunkMaxTokens, MinTokens: cfg.ChunkMinTokens}, counter)
	a.ingest = ingest.NewService(a.chunks, ch)

	source := registry.DefaultSource()
	if cfg.RegulationsFile != "" {
		s, err := registry.LoadYAMLFile(cfg.RegulationsFile)
		if err != nil {
			return fmt.Errorf("failed to load regulations: %w", err)
		}
		source = s
	}
	a.registry = registry.New(a.regulations, source, a.ingest)

	if cfg.HasOpenAI() {
		provider := openai.NewClientWithConfig(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
			EmbeddingDimensions: cfg.EmbeddingDimensions,
		})
		gcfg := embedder.Config{
			BatchSize:     cfg.EmbeddingBatchSize,
			Concurrency:   cfg.EmbeddingConcurrency,
			RatePerSecond: cfg.EmbeddingRatePerSec,
			Burst:         cfg.EmbeddingBurst,
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.EmbeddingRatePerSec), max(cfg.EmbeddingBurst, 1))
		a.embedder = embedder.NewGateway(provider, repository.NewEmbeddingCacheRepository(a.pool), gcfg, embedder.WithLimiter(limiter))
	}

	p, err := a.newPipeline()
	if err != nil {
		return err
	}

	if cfg.HasS3() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    cfg.S3UsePathStyle,
			LinkExpiry:      cfg.S3LinkExpiry,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		log.Info().Str("bucket", cfg.S3Bucket).Msg("report bucket ready")
		a.archiver = report.NewArchiver(s3Client, "reports")
	}

	a.queue, err = jobs.NewQueue(a.pool, jobs.QueueConfig{Workers: opts.Workers})
	if err != nil {
		return err
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.StageTimeout = cfg.StageTimeout
	orchCfg.StageMaxAttempts = cfg.StageMaxAttempts
	orchCfg.LeaseTTL = cfg.CaseLeaseTTL

	var svcOpts []orchestrator.Option
	if !opts.Inline {
		svcOpts = append(svcOpts, orchestrator.WithDispatcher(a.queue))
	}
	if a.archiver != nil {
		svcOpts = append(svcOpts, orchestrator.WithArchiver(a.archiver))
	}
	a.orchestrator = orchestrator.NewService(a.cases, p, a.ticketSink(), orchCfg, svcOpts...)
	a.queue.SetRunner(a.orchestrator)
	return nil
}

func (a *app) newPipeline() (*pipeline.Pipeline, error) {
	cfg := a.cfg

	var reasoner pipeline.Reasoner = llm.Offline{}
	if cfg.HasOpenAI() {
		client, err := llm.NewOpenAI(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		})
		if err != nil {
			return nil, err
		}
		reasoner = client
	} else {
		log.Warn().Msg("no OpenAI key configured: using the offline reasoner and skipping embeddings")
	}

	m := matcher.New(a.index, a.chunks)
	return pipeline.New(
		pipeline.NewPlanning(a.registry, a.index, m, reasoner, pipeline.PlanningConfig{
			TopK:              cfg.MatchTopK,
			Threshold:         cfg.MatchThreshold,
			RefineConstraints: cfg.HasOpenAI(),
		}),
		pipeline.NewNavigating(),
		pipeline.NewInvestigating(a.chunks, reasoner, pipeline.InvestigatingConfig{Concurrency: cfg.ReasoningConcurrency}),
		pipeline.NewJudging(),
		pipeline.NewRemediating(),
	)
}

func (a *app) ticketSink() orchestrator.TicketSink {
	if a.cfg.HasTicketSink() {
		return sink.NewWebhookSink(a.cfg.TicketSinkURL, &http.Client{Timeout: 15 * time.Second})
	}
	return sink.NewLogSink(a.cfg.TicketPrefix)
}

// indexingWorker polls for pending chunks. It is nil without an embedder.
func (a *app) indexingWorker() *jobs.Worker {
	if a.embedder == nil {
		return nil
	}
	processor := jobs.NewIndexingProcessor(a.chunks, a.embedder, a.index, a.cfg.EmbeddingBatchSize)
	return jobs.NewWorker("indexing", processor, a.cfg.IndexPollInterval)
}

func (a *app) Close() {
	a.pool.Close()
}
