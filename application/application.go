// Package application 是实时服务进程的运行时容器：负责配置加载、日志初始化、
// 信号处理与退出钩子。
package application

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	zlog "github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
	zviper "github.com/lk2023060901/hemoclast-realtime-go/pkg/util/viper"
)

// 环境变量。
const (
	EnvConfigFile = "HEMOCLAST_CONFIG_FILE_PATH"
	EnvLogEnable  = "HEMOCLAST_LOG_ENABLE"
	EnvLogLevel   = "HEMOCLAST_LOG_LEVEL"
	EnvLogFormat  = "HEMOCLAST_LOG_FORMAT"
	EnvLogStdout  = "HEMOCLAST_LOG_STDOUT"
	EnvLogFileDir = "HEMOCLAST_LOG_FILE_DIR"
	EnvLogFile    = "HEMOCLAST_LOG_FILE"
)

// DefaultConfigPath 为默认配置文件路径，不存在时只使用默认值与环境变量。
const DefaultConfigPath = "./config.yaml"

// Version 在构建时通过 -ldflags "-X" 注入。
var Version = "0.1.0"

// BuildVersion 返回解析后的版本号，无法解析时返回 0.0.0。
func BuildVersion() semver.Version {
	v, err := semver.ParseTolerant(Version)
	if err != nil {
		return semver.Version{}
	}
	return v
}

// SignalKind 区分进程收到的信号类别。
type SignalKind int

const (
	// SignalShutdown 对应 SIGINT/SIGTERM。
	SignalShutdown SignalKind = iota
	// SignalReload 对应 SIGHUP。
	SignalReload
)

func (k SignalKind) String() string {
	if k == SignalReload {
		return "reload"
	}
	return "shutdown"
}

// SignalHandler 在收到信号时被调用。
type SignalHandler func(kind SignalKind, sig os.Signal)

// Hook 为退出钩子。
type Hook func(ctx context.Context) error

// Option 配置 Application。
type Option func(*Application)

// WithArgs 替换命令行参数（不含程序名），默认使用 os.Args[1:]。
func WithArgs(args []string) Option {
	return func(a *Application) {
		a.args = args
	}
}

// Application 持有进程级的配置与日志，并按注册的逆序执行退出钩子。
type Application struct {
	args    []string
	cfg     *zviper.Config
	loggers map[string]*zlog.MLogger

	mu       sync.Mutex
	handlers []SignalHandler
	shutdown []Hook
	closed   bool
}

// New 创建 Application。
func New(opts ...Option) *Application {
	a := &Application{args: os.Args[1:]}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run 加载配置并初始化日志。
// 配置文件路径的优先级（从低到高）：
//  1. 默认 ./config.yaml（不存在时忽略）
//  2. 环境变量 HEMOCLAST_CONFIG_FILE_PATH
//  3. 命令行 --config <path> 或 --config=<path>
func (a *Application) Run() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}
	zlog.Info("application started",
		zap.String("version", BuildVersion().String()),
		zap.String("config", cfg.ConfigFileUsed()))
	return nil
}

// Config 返回已加载的配置。
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Logger 返回配置中 logging.<name> 对应的日志器，未配置时回退到全局日志器。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L().With(zlog.FieldModule(name))}
}

// OnSignal 注册信号回调，按注册顺序执行。
func (a *Application) OnSignal(h SignalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// OnShutdown 注册退出钩子，Shutdown 时按注册的逆序执行。
func (a *Application) OnShutdown(h Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = append(a.shutdown, h)
}

// Wait 阻塞直到收到 SIGINT/SIGTERM 或 ctx 结束。SIGHUP 只触发回调，之后继续等待。
func (a *Application) Wait(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			kind := classify(sig)
			zlog.Info("signal received", zap.String("signal", sig.String()), zap.Stringer("kind", kind))
			a.dispatch(kind, sig)
			if kind == SignalShutdown {
				return
			}
		}
	}
}

func classify(sig os.Signal) SignalKind {
	if sig == syscall.SIGHUP {
		return SignalReload
	}
	return SignalShutdown
}

func (a *Application) dispatch(kind SignalKind, sig os.Signal) {
	a.mu.Lock()
	handlers := slices.Clone(a.handlers)
	a.mu.Unlock()
	for _, h := range handlers {
		h(kind, sig)
	}
}

// Shutdown 逆序执行退出钩子并同步日志，只有第一次调用生效。
func (a *Application) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	hooks := slices.Clone(a.shutdown)
	a.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			zlog.Warn("shutdown hook failed", zap.Int("index", i), zap.Error(err))
			errs = append(errs, err)
		}
	}
	for _, lg := range a.loggers {
		_ = lg.Sync()
	}
	_ = zlog.Sync()
	return merr.Combine(errs...)
}

// loadConfig 解析配置文件路径并加载。显式指定的文件不存在时报错。
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := DefaultConfigPath
	explicit := false

	if envPath := strings.TrimSpace(os.Getenv(EnvConfigFile)); envPath != "" {
		configPath = envPath
		explicit = true
	}

	args := a.args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, merr.WrapErrParameterMissing("--config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			configPath = val
			explicit = true
		}
	}

	cfg := zviper.New()
	if explicit {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, errors.Wrapf(err, "load config file %q", configPath)
		}
		return cfg, nil
	}
	if _, err := cfg.LoadFileIfExists(configPath); err != nil {
		return nil, errors.Wrapf(err, "load config file %q", configPath)
	}
	return cfg, nil
}

func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv 根据 HEMOCLAST_LOG_* 环境变量配置全局日志。
// 未开启时默认仍输出到 stdout，便于容器环境采集。
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:  getenvDefault(EnvLogLevel, "info"),
		Format: getenvDefault(EnvLogFormat, "text"),
		Stdout: getenvBool(EnvLogStdout, true),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault(EnvLogFileDir, ""),
			Filename: getenvDefault(EnvLogFile, ""),
		},
	}
	if !getenvBool(EnvLogEnable, true) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 根据配置 logging 节创建具名日志器，例如：
//
//	logging:
//	  broadcast:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: broadcast.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}
	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return errors.Wrap(err, "unmarshal logging section")
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
