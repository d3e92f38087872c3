package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"CryptoPilot/internal/api"
	"CryptoPilot/internal/config"
	"CryptoPilot/internal/coordinator"
	"CryptoPilot/internal/graph"
	"CryptoPilot/internal/handler"
	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/llm/openai"
	"CryptoPilot/internal/observability/alerting"
	"CryptoPilot/internal/orchestrator"
	"CryptoPilot/internal/profile"
	"CryptoPilot/internal/report"
	"CryptoPilot/internal/session"
	"CryptoPilot/internal/tool"
	"CryptoPilot/pkg/logger"
)

// main 是 CryptoPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("cryptopilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CRYPTOPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "cryptopilot.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditPath != "",
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	store, err := createSessionStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	handlers := createHandlers(cfg, llmClient)
	coord := coordinator.New(llmClient, handler.Catalog(handlers...))

	workers := make([]graph.Worker, 0, len(handlers))
	for _, h := range handlers {
		workers = append(workers, h)
	}
	dispatch := graph.New(coord, workers)

	opts := []orchestrator.Option{}
	if cfg.Runtime.ProfilePath != "" {
		profiles, err := profile.LoadStaticProvider(cfg.Runtime.ProfilePath)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithProfiles(profiles))
	}

	dispatcher, closeAlerts, err := createAlertDispatcher(cfg)
	if err != nil {
		return err
	}
	defer closeAlerts()
	opts = append(opts, orchestrator.WithAlerts(dispatcher))

	orch := orchestrator.NewService(dispatch, store, opts...)
	reports := report.NewGenerator(llmClient)

	server := api.NewServer(cfg.Server.Address, orch, store, reports)
	return server.Start(ctx)
}

// createLLMClient 根据配置创建推理引擎客户端。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("不支持的 LLM provider: %s", cfg.LLM.Provider)
	}
}

// createSessionStore 根据配置创建会话存储。
func createSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Driver {
	case "", "file":
		return session.NewFileStore(cfg.Session.Path)
	case "mysql":
		return session.NewMySQLStore(cfg.Session.DSN)
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Address:   cfg.Session.Redis.Address,
			Password:  cfg.Session.Redis.Password,
			DB:        cfg.Session.Redis.DB,
			KeyPrefix: cfg.Session.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("不支持的会话存储 driver: %s", cfg.Session.Driver)
	}
}

// createHandlers 按配置的工具服务地址创建四个处理器。
// 没有配置地址的处理器拿到空工具集，只靠模型本身作答。
func createHandlers(cfg *config.Config, client llm.Client) []*handler.Handler {
	provider := func(name string) tool.Provider {
		endpoint := cfg.Tools.Endpoints[name]
		if endpoint == "" {
			return tool.NewStaticProvider(tool.NewSet())
		}
		remote, err := tool.NewRemoteProvider(tool.RemoteConfig{BaseURL: endpoint})
		if err != nil {
			logger.L().Warn("工具服务配置无效，使用空工具集", "handler", name, "error", err)
			return tool.NewStaticProvider(tool.NewSet())
		}
		return tool.NewCachingProvider(remote)
	}

	maxCalls := cfg.Tools.MaxToolCalls
	return []*handler.Handler{
		handler.NewFinance(client, provider(handler.NameFinance), maxCalls),
		handler.NewSentiment(client, provider(handler.NameSentiment), maxCalls),
		handler.NewWebSearch(client, provider(handler.NameWebSearch), maxCalls),
		handler.NewTrade(client, provider(handler.NameTrade), maxCalls),
	}
}

// createAlertDispatcher 创建告警分发器。默认总是带日志渠道。
func createAlertDispatcher(cfg *config.Config) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	closeFn := func() {}

	if cfg.Alerting.RabbitMQ.Enabled {
		notifier, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:     cfg.Alerting.RabbitMQ.URL,
			Queue:   cfg.Alerting.RabbitMQ.Queue,
			Durable: cfg.Alerting.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, notifier)
		closeFn = func() { _ = notifier.Close() }
	}

	return alerting.NewFanout(notifiers...), closeFn, nil
}
