package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"AgentForge/internal/agent"
	"AgentForge/internal/agentruntime"
	"AgentForge/internal/api"
	"AgentForge/internal/auth"
	"AgentForge/internal/config"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/identity"
	"AgentForge/internal/keyvault"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/readiness"
	"AgentForge/internal/reconcile"
	"AgentForge/internal/retry"
	"AgentForge/internal/storage/mysql"
	"AgentForge/internal/storage/postgres"
	"AgentForge/internal/storage/redis"
	"AgentForge/internal/token"
	"AgentForge/internal/web3/provider"
	"AgentForge/internal/workflow"
	"AgentForge/pkg/logger"
)

// main 是 AgentForge 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentforged 运行失败: %v", err)
	}
}

// storage 汇总持久化相关依赖。
type storage struct {
	agents  agent.Repository
	records token.RecordStore
	close   func() error
}

func run(ctx context.Context) error {
	// .env 只用于本地开发，缺失时忽略。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	configPath := os.Getenv("AGENTFORGE_CONFIG")
	if configPath == "" {
		if _, err := os.Stat(filepath.Join("configs", "agentforge.yaml")); err == nil {
			configPath = filepath.Join("configs", "agentforge.yaml")
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("agentforged")

	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = redis.NewClient(ctx, redis.Config{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	alerter := buildAlerter(cfg)

	// 身份与私钥保管。
	keys, err := identity.NewGenerator(cfg.Identity.Scheme)
	if err != nil {
		return err
	}
	sealer, err := keyvault.NewSealer(cfg.KeyVault.MasterKey)
	if err != nil {
		return err
	}
	var secretBackend keyvault.Backend
	if cfg.KeyVault.Backend == "redis" {
		secretBackend = redis.NewSecretStore(redisClient)
	}
	vault := keyvault.New(sealer, secretBackend)

	// agent runtime、就绪检查与工作流分发。
	runtimeClient, err := agentruntime.NewClient(cfg.Runtime.Config)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "agent runtime client")
	}
	catalog := workflow.DefaultCatalog()
	if cfg.Runtime.TemplatesPath != "" {
		if catalog, err = workflow.LoadCatalog(cfg.Runtime.TemplatesPath); err != nil {
			return err
		}
	}
	dispatcher := workflow.NewDispatcher(catalog, runtimeClient, workflow.WithConcurrency(cfg.Runtime.DispatchConcurrency))

	agentOpts := []agent.ServiceOption{
		agent.WithKeyVault(vault),
		agent.WithDispatcher(dispatcher),
		agent.WithMessenger(runtimeClient),
		agent.WithAlertDispatcher(alerter),
	}
	if cfg.Runtime.WaitForReady {
		agentOpts = append(agentOpts, agent.WithReadinessGate(readiness.NewPoller(runtimeClient,
			readiness.WithMaxAttempts(cfg.Runtime.ReadyAttempts),
			readiness.WithInterval(cfg.Runtime.ReadyInterval),
		)))
	}
	agentService := agent.NewService(agent.NewBuilder(keys), store.agents, agentOpts...)

	// token 部署流水线及其补偿队列。
	tradingClient, err := token.NewTradingClient(cfg.Trading)
	if err != nil {
		return err
	}
	queue, err := openReconcileQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer queue.Close()

	policy := retry.Default()
	policy.MaxAttempts = cfg.Token.MaxAttempts
	policy.Backoff = cfg.Token.Backoff

	pipelineOpts := []token.Option{
		token.WithRetryPolicy(policy),
		token.WithMintPolicy(token.MintPolicy(cfg.Token.MintPolicy)),
		token.WithReconciler(reconcile.NewPublisher(queue)),
		token.WithAlertDispatcher(alerter),
	}
	if cfg.Storage.Idempotency == "redis" {
		pipelineOpts = append(pipelineOpts, token.WithGuardStore(redis.NewGuardStore(redisClient), cfg.Token.IdempotencyTTL))
	} else {
		pipelineOpts = append(pipelineOpts, token.WithGuardStore(token.NewMemoryGuardStore(), cfg.Token.IdempotencyTTL))
	}

	clusters, err := provider.NewRegistry(ctx, cfg.Solana)
	switch {
	case err == nil:
		defer clusters.Close()
		client, err := clusters.DefaultClient()
		if err != nil {
			return err
		}
		pipelineOpts = append(pipelineOpts, token.WithConfirmer(client))
		lg.Info("signature confirmation enabled", slog.String("cluster", client.Name()))
	case errors.Is(err, provider.ErrNoClusters):
		lg.Warn("no solana cluster configured, deployments are reported without on-chain confirmation")
	default:
		return err
	}
	pipeline := token.NewPipeline(store.agents, token.NewMetadataClient(cfg.Metadata), tradingClient, store.records, pipelineOpts...)

	// 认证。
	endpoint := cfg.Auth.JWKSEndpoint()
	if endpoint == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "auth.environment_id or auth.jwks_url is required")
	}
	verifier := auth.NewVerifier(auth.NewJWKSCache(endpoint, cfg.Auth.JWKSTTL, nil))

	server := api.NewServer(api.Config{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
		DeployRate:        cfg.Server.DeployRate,
		DeployBurst:       cfg.Server.DeployBurst,
		RuntimeToken:      cfg.Runtime.APIToken,
	}, agentService, pipeline, verifier)

	processor := reconcile.NewProcessor(store.records, queue,
		reconcile.WithWorkerCount(cfg.Reconcile.Workers),
		reconcile.WithMaxAttempts(cfg.Reconcile.MaxAttempts),
		reconcile.WithAlertDispatcher(alerter),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address)) })
	}
	lg.Info("agentforged started",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("reconcile_queue", cfg.Reconcile.Queue),
	)
	return g.Wait()
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Storage.Idempotency == "redis" || cfg.KeyVault.Backend == "redis" || cfg.Reconcile.Queue == "redis"
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.L().Warn("using in-memory storage, agents and token records are lost on restart")
		return &storage{
			agents:  agent.NewMemoryRepository(),
			records: token.NewMemoryRecordStore(),
			close:   func() error { return nil },
		}, nil
	case "mysql":
		repo, err := mysql.NewRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return &storage{agents: repo, records: repo, close: repo.Close}, nil
	case "postgres":
		repo, err := postgres.NewRepository(ctx, postgres.Config{
			DSN:             cfg.Storage.DSN,
			MaxConns:        int32(cfg.Storage.MaxOpenConns),
			MinConns:        int32(cfg.Storage.MaxIdleConns),
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return &storage{agents: repo, records: repo, close: repo.Close}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openReconcileQueue(cfg *config.Config, client *redis.Client) (reconcile.Queue, error) {
	switch cfg.Reconcile.Queue {
	case "memory":
		return reconcile.NewMemoryQueue(1024), nil
	case "redis":
		return reconcile.NewRedisQueue(client.Raw(), reconcile.RedisQueueConfig{
			Queue:     cfg.Reconcile.Redis.Name,
			BlockWait: cfg.Reconcile.Redis.BlockWait,
		})
	case "rabbitmq":
		return reconcile.NewRabbitMQQueue(reconcile.RabbitMQConfig{
			URL:      cfg.Reconcile.RabbitMQ.URL,
			Queue:    cfg.Reconcile.RabbitMQ.Queue,
			Prefetch: cfg.Reconcile.RabbitMQ.Prefetch,
			Durable:  cfg.Reconcile.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的补偿队列驱动: %s", cfg.Reconcile.Queue)
	}
}

func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	switch {
	case cfg.Alerting.SlackToken != "":
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewBotSender(cfg.Alerting.SlackToken),
			ChannelID: cfg.Alerting.SlackChannel,
		})
	case cfg.Alerting.SlackWebhook != "":
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.WebhookSender{URL: cfg.Alerting.SlackWebhook},
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
