package main

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/precious195/airbrain-sub000/internal/api"
	"github.com/precious195/airbrain-sub000/internal/auth"
	"github.com/precious195/airbrain-sub000/internal/config"
	"github.com/precious195/airbrain-sub000/internal/llm"
	"github.com/precious195/airbrain-sub000/internal/llm/openai"
	"github.com/precious195/airbrain-sub000/internal/llm/pythonbridge"
	"github.com/precious195/airbrain-sub000/internal/notify"
	"github.com/precious195/airbrain-sub000/internal/observability/metrics"
	"github.com/precious195/airbrain-sub000/internal/otp"
	"github.com/precious195/airbrain-sub000/internal/planner"
	"github.com/precious195/airbrain-sub000/internal/session"
	storagemysql "github.com/precious195/airbrain-sub000/internal/storage/mysql"
	redisstore "github.com/precious195/airbrain-sub000/internal/storage/redis"
	"github.com/precious195/airbrain-sub000/internal/storage/sqlite"
	"github.com/precious195/airbrain-sub000/internal/task"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
	"github.com/precious195/airbrain-sub000/pkg/plugin"
)

// app 持有一次进程运行中装配好的全部组件。
type app struct {
	cfg         *config.Config
	metrics     *metrics.Metrics
	plugins     *plugin.Manager
	sessions    *session.Manager
	coordinator *otp.Coordinator
	engine      *workflow.Engine
	executors   *task.SessionExecutors
	tasks       *task.Service
	processor   *task.Processor
	server      *api.Server

	redis   *goredis.Client
	db      *sql.DB
	closers []func() error
}

// buildApp 按配置装配存储、队列、通知、会话、引擎与 API。任何一步失败都会释放已创建的资源。
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if err := a.openPlugins(ctx); err != nil {
		return nil, err
	}

	workflows, err := a.workflowStore(ctx)
	if err != nil {
		return nil, err
	}
	taskStore, err := a.taskStore(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := a.taskQueue(ctx)
	if err != nil {
		return nil, err
	}

	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}

	otpOpts := []otp.Option{
		otp.WithDispatcher(dispatcher),
		otp.WithDefaultTimeout(cfg.OTP.DefaultTimeout.Std()),
		otp.WithApprovalTimeout(cfg.OTP.ApprovalTimeout.Std()),
		otp.WithRetention(cfg.OTP.Retention.Std()),
		otp.WithCleanupInterval(cfg.OTP.CleanupInterval.Std()),
	}
	if a.metrics != nil {
		otpOpts = append(otpOpts, otp.WithObserver(a.metrics.ObserveOTP))
	}
	a.coordinator = otp.NewCoordinator(otpOpts...)

	sessionOpts := []session.Option{
		session.WithIdleTimeout(cfg.Session.IdleTimeout.Std()),
		session.WithSweepInterval(cfg.Session.SweepInterval.Std()),
		session.WithHistorySize(cfg.Session.HistorySize),
		session.WithLogger(logger.Named("session")),
		session.WithCloseHook(func(snap session.Snapshot) {
			for _, req := range a.coordinator.Pending() {
				if req.SessionID == snap.ID {
					a.coordinator.Cancel(req.ID)
				}
			}
		}),
	}
	if cfg.Session.Store == "redis" || cfg.Session.DistributedLock {
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.Session.Store == "redis" {
			sessionOpts = append(sessionOpts, session.WithStore(redisstore.NewSessionStore(rdb, cfg.Storage.Redis.Prefix)))
		}
		if cfg.Session.DistributedLock {
			sessionOpts = append(sessionOpts, session.WithLocker(redisstore.NewLocker(rdb, cfg.Storage.Redis.Prefix)))
		}
	}
	a.sessions = session.NewManager(sessionOpts...)
	a.closers = append(a.closers, func() error {
		a.sessions.CloseAll()
		return nil
	})

	engineOpts := []workflow.EngineOption{
		workflow.WithConfig(cfg.Engine.Workflow()),
		workflow.WithApprover(a.coordinator),
		workflow.WithStore(workflows),
		workflow.WithLogger(logger.Named("workflow")),
	}
	if a.metrics != nil {
		engineOpts = append(engineOpts, workflow.WithObserver(a.metrics))
	}
	a.engine = workflow.NewEngine(engineOpts...)

	a.executors = &task.SessionExecutors{
		HTTP:        cfg.Executor.HTTP(),
		Coordinator: a.coordinator,
		OTPTimeout:  cfg.Executor.OTPTimeout.Std(),
		ElementWait: cfg.Executor.ElementWait.Std(),
	}
	if a.plugins != nil {
		a.executors.Drivers = task.PluginDrivers(a.plugins, cfg.Executor.DriverPlugin)
	}

	plan, err := buildPlanner(cfg)
	if err != nil {
		return nil, err
	}
	runner := task.NewRunner(a.engine, a.sessions, a.executors,
		task.WithPlanner(plan),
		task.WithAuthTTL(cfg.Session.AuthTTL.Std()),
	)

	a.tasks = task.NewService(taskStore, queue, cfg.Storage.Tasks.MaxRetries, task.WithSessions(a.sessions))
	a.closers = append(a.closers, a.tasks.Close)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("task.processor")),
		task.WithNotifier(dispatcher),
	}
	if a.metrics != nil {
		processorOpts = append(processorOpts, task.WithOutcomeObserver(a.metrics.ObserveTask))
	}
	a.processor = task.NewProcessor(runner, taskStore, queue, queue, processorOpts...)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return nil, err
	}
	serverOpts := []api.Option{
		api.WithAuth(authSvc),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithRequestTimeout(cfg.Server.RequestTimeout.Std()),
	}
	if a.metrics != nil {
		a.registerGauges(queue)
		if cfg.Metrics.Address == "" {
			serverOpts = append(serverOpts, api.WithMetrics(a.metrics))
		}
	}
	a.server = api.NewServer(cfg.Server.Address, api.Dependencies{
		Tasks:       a.tasks,
		Engine:      a.engine,
		Sessions:    a.sessions,
		Coordinator: a.coordinator,
	}, serverOpts...)
	return a, nil
}

// Close 逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func (a *app) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redisstore.NewClient(ctx, a.cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) mysqlDB(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	m := a.cfg.Storage.MySQL
	db, err := storagemysql.Open(ctx, storagemysql.Config{
		DSN:             m.DSN,
		MaxOpenConns:    m.MaxOpenConns,
		MaxIdleConns:    m.MaxIdleConns,
		ConnMaxLifetime: m.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: m.ConnMaxIdleTime.Std(),
	})
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) workflowStore(ctx context.Context) (workflow.Store, error) {
	switch a.cfg.Storage.Workflows.Driver {
	case "memory":
		return workflow.NewMemoryStore(), nil
	case "file":
		return workflow.NewFileStore(a.cfg.Storage.Workflows.Path)
	case "mysql":
		db, err := a.mysqlDB(ctx)
		if err != nil {
			return nil, err
		}
		return storagemysql.NewWorkflowStore(db), nil
	case "sqlite":
		store, err := sqlite.Open(a.cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("未知的工作流存储: %s", a.cfg.Storage.Workflows.Driver)
	}
}

func (a *app) taskStore(ctx context.Context) (task.Store, error) {
	switch a.cfg.Storage.Tasks.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		db, err := a.mysqlDB(ctx)
		if err != nil {
			return nil, err
		}
		return task.NewMySQLStoreWithDB(db), nil
	default:
		return nil, fmt.Errorf("未知的任务存储: %s", a.cfg.Storage.Tasks.Driver)
	}
}

func (a *app) taskQueue(ctx context.Context) (task.Queue, error) {
	q := a.cfg.Queue
	switch q.Driver {
	case task.QueueMemory:
		return task.NewMemoryQueue(q.Size), nil
	case task.QueueRedis:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return task.NewRedisQueue(rdb, task.RedisQueueConfig{
			Queue:     q.Redis.Queue,
			BlockWait: q.Redis.BlockWait.Std(),
		})
	case task.QueueRabbitMQ:
		return task.NewRabbitMQQueue(q.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}

// dispatcher 组合配置的通知渠道与已启动的通知插件。
func (a *app) dispatcher(ctx context.Context) (notify.Dispatcher, error) {
	var notifiers []notify.Notifier
	for _, channel := range a.cfg.OTP.Notifiers {
		switch channel {
		case "log":
			notifiers = append(notifiers, &notify.LogNotifier{})
		case "redis":
			rdb, err := a.redisClient(ctx)
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, notify.NewRedisNotifier(rdb, a.cfg.OTP.RedisChannel))
		case "rabbitmq":
			n, err := notify.NewRabbitMQNotifier(a.cfg.OTP.RabbitMQ)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, n.Close)
			notifiers = append(notifiers, n)
		default:
			return nil, fmt.Errorf("未知的通知渠道: %s", channel)
		}
	}
	if a.plugins != nil {
		for _, p := range a.plugins.Started(plugin.TypeNotifier) {
			if n, ok := p.(notify.Notifier); ok {
				notifiers = append(notifiers, n)
			}
		}
	}
	return notify.NewFanout(notifiers...), nil
}

func (a *app) openPlugins(ctx context.Context) error {
	if a.cfg.Plugins.Manifest == "" {
		return nil
	}
	manifest, err := plugin.LoadManagerConfig(a.cfg.Plugins.Manifest)
	if err != nil {
		return err
	}
	mgr, err := plugin.NewManager(manifest,
		plugin.WithResource(plugin.ResourceDataDir, a.cfg.Runtime.DataDir),
		plugin.WithResource(plugin.ResourceUserAgent, a.cfg.Executor.UserAgent),
	)
	if err != nil {
		return err
	}
	if err := mgr.StartAll(ctx); err != nil {
		return err
	}
	a.plugins = mgr
	a.closers = append(a.closers, func() error {
		return mgr.StopAll(context.Background())
	})
	return nil
}

func (a *app) registerGauges(queue task.Queue) {
	if depth, ok := queue.(task.Depth); ok {
		a.metrics.GaugeFunc("task_queue_depth", "Tasks waiting in the in-process queue.", func() float64 {
			return float64(depth.Len())
		})
	}
	a.metrics.GaugeFunc("sessions_active", "Live automation sessions.", func() float64 {
		return float64(a.sessions.Stats().Count)
	})
	a.metrics.GaugeFunc("sessions_authenticated", "Sessions holding valid credentials.", func() float64 {
		return float64(a.sessions.Stats().Authenticated)
	})
	a.metrics.GaugeFunc("workflows_active", "Workflows currently running.", func() float64 {
		return float64(a.engine.Stats().Active)
	})
	a.metrics.GaugeFunc("otp_pending", "OTP and approval requests awaiting input.", func() float64 {
		n := 0
		for _, req := range a.coordinator.Pending() {
			if req.Status == otp.StatusPending {
				n++
			}
		}
		return float64(n)
	})
}

func buildPlanner(cfg *config.Config) (planner.Planner, error) {
	switch cfg.Planner.Mode {
	case "static":
		return planner.NewStaticPlanner(cfg.Planner.PlanDir)
	case "llm":
		client, err := createLLMClient(cfg)
		if err != nil {
			return nil, err
		}
		return planner.NewLLMPlanner(client), nil
	case "chain":
		static, err := planner.NewStaticPlanner(cfg.Planner.PlanDir)
		if err != nil {
			return nil, err
		}
		client, err := createLLMClient(cfg)
		if err != nil {
			return nil, err
		}
		return planner.Chain{static, planner.NewLLMPlanner(client)}, nil
	default:
		return nil, fmt.Errorf("未知的规划方式: %s", cfg.Planner.Mode)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, stdErrors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     cfg.LLM.OpenAI.Timeout(),
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
