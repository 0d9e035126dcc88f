package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/precious195/airbrain-sub000/internal/auth"
	"github.com/precious195/airbrain-sub000/internal/executor"
	"github.com/precious195/airbrain-sub000/internal/notify"
	redisstore "github.com/precious195/airbrain-sub000/internal/storage/redis"
	"github.com/precious195/airbrain-sub000/internal/task"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AIRBRAIN_CONFIG"

// DefaultPath 是未指定路径时读取的配置文件。
var DefaultPath = filepath.Join("configs", "airbrain.yaml")

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     auth.Config    `json:"auth" yaml:"auth"`
	Logging  logger.Config  `json:"logging" yaml:"logging"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	OTP      OTPConfig      `json:"otp" yaml:"otp"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Executor ExecutorConfig `json:"executor" yaml:"executor"`
	Planner  PlannerConfig  `json:"planner" yaml:"planner"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Plugins  PluginsConfig  `json:"plugins" yaml:"plugins"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `json:"address" yaml:"address"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

// StorageConfig 统一描述工作流、任务存储以及 MySQL、SQLite、Redis 的连接信息。
type StorageConfig struct {
	Workflows WorkflowStoreConfig `json:"workflows" yaml:"workflows"`
	Tasks     TaskStoreConfig     `json:"tasks" yaml:"tasks"`
	MySQL     MySQLConfig         `json:"mysql" yaml:"mysql"`
	SQLite    SQLiteConfig        `json:"sqlite" yaml:"sqlite"`
	Redis     redisstore.Config   `json:"redis" yaml:"redis"`
}

// WorkflowStoreConfig 选择工作流快照的存储后端：memory、file、mysql 或 sqlite。
type WorkflowStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

// TaskStoreConfig 选择任务存储后端：memory 或 mysql。
type TaskStoreConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// SQLiteConfig 描述嵌入式数据库文件。
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

// QueueConfig 选择任务队列：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string              `json:"driver" yaml:"driver"`
	Workers  int                 `json:"workers" yaml:"workers"`
	Size     int                 `json:"size" yaml:"size"`
	Redis    RedisQueueConfig    `json:"redis" yaml:"redis"`
	RabbitMQ task.RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis list 队列。连接复用 storage.redis。
type RedisQueueConfig struct {
	Queue     string   `json:"queue" yaml:"queue"`
	BlockWait Duration `json:"block_wait" yaml:"block_wait"`
}

// SessionConfig 控制会话存储与过期清理。
type SessionConfig struct {
	Store           string   `json:"store" yaml:"store"`
	IdleTimeout     Duration `json:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval   Duration `json:"sweep_interval" yaml:"sweep_interval"`
	HistorySize     int      `json:"history_size" yaml:"history_size"`
	AuthTTL         Duration `json:"auth_ttl" yaml:"auth_ttl"`
	DistributedLock bool     `json:"distributed_lock" yaml:"distributed_lock"`
}

// OTPConfig 控制验证码与审批请求的超时、保留期与通知渠道。
type OTPConfig struct {
	DefaultTimeout  Duration              `json:"default_timeout" yaml:"default_timeout"`
	ApprovalTimeout Duration              `json:"approval_timeout" yaml:"approval_timeout"`
	Retention       Duration              `json:"retention" yaml:"retention"`
	CleanupInterval Duration              `json:"cleanup_interval" yaml:"cleanup_interval"`
	Notifiers       []string              `json:"notifiers" yaml:"notifiers"`
	RedisChannel    string                `json:"redis_channel" yaml:"redis_channel"`
	RabbitMQ        notify.RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// EngineConfig 控制工作流引擎的执行上限与重试节奏。
type EngineConfig struct {
	MaxLoopIterations int      `json:"max_loop_iterations" yaml:"max_loop_iterations"`
	RetryBaseDelay    Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	RetryMaxElapsed   Duration `json:"retry_max_elapsed" yaml:"retry_max_elapsed"`
	ParallelLimit     int      `json:"parallel_limit" yaml:"parallel_limit"`
	StepTimeout       Duration `json:"step_timeout" yaml:"step_timeout"`
	MaxStepExecutions int      `json:"max_step_executions" yaml:"max_step_executions"`
	Retained          int      `json:"retained" yaml:"retained"`
}

// Workflow 转换为引擎配置。
func (c EngineConfig) Workflow() workflow.Config {
	return workflow.Config{
		MaxLoopIterations: c.MaxLoopIterations,
		RetryBaseDelay:    c.RetryBaseDelay.Std(),
		RetryMaxDelay:     c.RetryMaxDelay.Std(),
		RetryMaxElapsed:   c.RetryMaxElapsed.Std(),
		ParallelLimit:     c.ParallelLimit,
		StepTimeout:       c.StepTimeout.Std(),
		MaxStepExecutions: c.MaxStepExecutions,
		Retained:          c.Retained,
	}
}

// ExecutorConfig 描述 HTTP 执行器与浏览器执行器的参数。
type ExecutorConfig struct {
	HTTPTimeout  Duration          `json:"http_timeout" yaml:"http_timeout"`
	RateLimit    float64           `json:"rate_limit" yaml:"rate_limit"`
	Burst        int               `json:"burst" yaml:"burst"`
	UserAgent    string            `json:"user_agent" yaml:"user_agent"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
	MaxBodyBytes int64             `json:"max_body_bytes" yaml:"max_body_bytes"`
	OTPTimeout   Duration          `json:"otp_timeout" yaml:"otp_timeout"`
	ElementWait  Duration          `json:"element_wait" yaml:"element_wait"`
	DriverPlugin string            `json:"driver_plugin" yaml:"driver_plugin"`
}

// HTTP 转换为 HTTP 执行器配置，BaseURL 由会话填充。
func (c ExecutorConfig) HTTP() executor.HTTPConfig {
	return executor.HTTPConfig{
		Timeout:      c.HTTPTimeout.Std(),
		RateLimit:    c.RateLimit,
		Burst:        c.Burst,
		UserAgent:    c.UserAgent,
		Headers:      c.Headers,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}

// PlannerConfig 选择规划方式：llm、static 或 chain（先静态计划，再大模型）。
type PlannerConfig struct {
	Mode    string `json:"mode" yaml:"mode"`
	PlanDir string `json:"plan_dir" yaml:"plan_dir"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig       `json:"openai" yaml:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
}

// Timeout 返回请求超时。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if key == "" && c.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return key
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// PluginsConfig 指向插件清单。
type PluginsConfig struct {
	Manifest string `json:"manifest" yaml:"manifest"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时挂在 API 的 /metrics 下。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// ResolvePath 按命令行参数、环境变量、默认路径的顺序确定配置文件。
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件。扩展名为 .json 时按 JSON 解析，否则按 YAML 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(content, &cfg)
	} else {
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，适合无配置文件的本地运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 检查后端选择与必填项。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Workflows.Driver {
	case "memory", "file", "sqlite":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			errs = append(errs, errors.New("storage.workflows.driver=mysql 需要 storage.mysql.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的工作流存储: %s", c.Storage.Workflows.Driver))
	}
	switch c.Storage.Tasks.Driver {
	case "memory":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			errs = append(errs, errors.New("storage.tasks.driver=mysql 需要 storage.mysql.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的任务存储: %s", c.Storage.Tasks.Driver))
	}
	switch c.Queue.Driver {
	case task.QueueMemory:
	case task.QueueRedis:
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("queue.driver=redis 需要 storage.redis.address"))
		}
	case task.QueueRabbitMQ:
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.driver=rabbitmq 需要 queue.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver))
	}
	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("session.store=redis 需要 storage.redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的会话存储: %s", c.Session.Store))
	}
	for _, channel := range c.OTP.Notifiers {
		switch channel {
		case "log":
		case "redis":
			if c.Storage.Redis.Address == "" {
				errs = append(errs, errors.New("redis 通知渠道需要 storage.redis.address"))
			}
		case "rabbitmq":
			if c.OTP.RabbitMQ.URL == "" {
				errs = append(errs, errors.New("rabbitmq 通知渠道需要 otp.rabbitmq.url"))
			}
		default:
			errs = append(errs, fmt.Errorf("未知的通知渠道: %s", channel))
		}
	}
	switch c.Planner.Mode {
	case "llm", "static", "chain":
	default:
		errs = append(errs, fmt.Errorf("未知的规划方式: %s", c.Planner.Mode))
	}
	switch c.LLM.Provider {
	case "python_bridge", "openai":
	default:
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	switch c.Auth.Mode {
	case auth.ModeDisabled, auth.ModeAPIKey, auth.ModeJWT:
	default:
		errs = append(errs, fmt.Errorf("未知的认证方式: %s", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = Duration(30 * time.Second)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Workflows.Driver == "" {
		c.Storage.Workflows.Driver = "memory"
	}
	if c.Storage.Workflows.Path == "" {
		c.Storage.Workflows.Path = filepath.Join(c.Runtime.DataDir, "workflows.json")
	} else {
		c.Storage.Workflows.Path = resolve(baseDir, c.Storage.Workflows.Path)
	}
	if c.Storage.Tasks.Driver == "" {
		c.Storage.Tasks.Driver = "memory"
	}
	if c.Storage.Tasks.MaxRetries <= 0 {
		c.Storage.Tasks.MaxRetries = 3
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.Runtime.DataDir, "airbrain.db")
	} else {
		c.Storage.SQLite.Path = resolve(baseDir, c.Storage.SQLite.Path)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = task.QueueMemory
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Redis.BlockWait <= 0 {
		c.Queue.Redis.BlockWait = Duration(5 * time.Second)
	}

	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = Duration(time.Minute)
	}
	if c.Session.HistorySize <= 0 {
		c.Session.HistorySize = 100
	}
	if c.Session.AuthTTL <= 0 {
		c.Session.AuthTTL = Duration(30 * time.Minute)
	}

	if c.OTP.DefaultTimeout <= 0 {
		c.OTP.DefaultTimeout = Duration(5 * time.Minute)
	}
	if c.OTP.ApprovalTimeout <= 0 {
		c.OTP.ApprovalTimeout = Duration(24 * time.Hour)
	}
	if c.OTP.Retention <= 0 {
		c.OTP.Retention = Duration(time.Hour)
	}
	if c.OTP.CleanupInterval <= 0 {
		c.OTP.CleanupInterval = Duration(time.Minute)
	}
	if c.OTP.Notifiers == nil {
		c.OTP.Notifiers = []string{"log"}
	}
	if c.OTP.RedisChannel == "" {
		c.OTP.RedisChannel = "airbrain:events"
	}

	def := workflow.DefaultConfig()
	if c.Engine.MaxLoopIterations <= 0 {
		c.Engine.MaxLoopIterations = def.MaxLoopIterations
	}
	if c.Engine.RetryBaseDelay <= 0 {
		c.Engine.RetryBaseDelay = Duration(def.RetryBaseDelay)
	}
	if c.Engine.RetryMaxDelay <= 0 {
		c.Engine.RetryMaxDelay = Duration(def.RetryMaxDelay)
	}
	if c.Engine.RetryMaxElapsed <= 0 {
		c.Engine.RetryMaxElapsed = Duration(def.RetryMaxElapsed)
	}
	if c.Engine.ParallelLimit <= 0 {
		c.Engine.ParallelLimit = def.ParallelLimit
	}
	if c.Engine.MaxStepExecutions <= 0 {
		c.Engine.MaxStepExecutions = def.MaxStepExecutions
	}
	if c.Engine.Retained <= 0 {
		c.Engine.Retained = def.Retained
	}

	if c.Executor.HTTPTimeout <= 0 {
		c.Executor.HTTPTimeout = Duration(30 * time.Second)
	}
	if c.Executor.UserAgent == "" {
		c.Executor.UserAgent = "airbrain/1.0"
	}
	if c.Executor.OTPTimeout <= 0 {
		c.Executor.OTPTimeout = c.OTP.DefaultTimeout
	}
	if c.Executor.ElementWait <= 0 {
		c.Executor.ElementWait = Duration(10 * time.Second)
	}

	if c.Planner.Mode == "" {
		c.Planner.Mode = "llm"
	}
	if c.Planner.PlanDir != "" {
		c.Planner.PlanDir = resolve(baseDir, c.Planner.PlanDir)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Plugins.Manifest != "" {
		c.Plugins.Manifest = resolve(baseDir, c.Plugins.Manifest)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
