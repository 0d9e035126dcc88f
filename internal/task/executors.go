package task

import (
	"context"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/executor"
	"github.com/precious195/airbrain-sub000/internal/otp"
	"github.com/precious195/airbrain-sub000/internal/session"
)

// ExecutorFactory 为会话构造动作执行器。
type ExecutorFactory interface {
	ExecutorFor(ctx context.Context, sess *session.Session, systemType session.SystemType) (executor.Executor, error)
}

// DriverProvider 创建浏览器驱动，通常由驱动插件提供。
type DriverProvider interface {
	NewDriver(ctx context.Context, target string) (executor.Driver, error)
}

// DriverProviderFunc 将函数适配为 DriverProvider。
type DriverProviderFunc func(ctx context.Context, target string) (executor.Driver, error)

// NewDriver 实现 DriverProvider。
func (f DriverProviderFunc) NewDriver(ctx context.Context, target string) (executor.Driver, error) {
	return f(ctx, target)
}

// SessionExecutors 是默认的执行器工厂：api 使用 HTTP 执行器，browser 使用会话独占的驱动，
// hybrid 同时使用两者。浏览器跳转后由 OTP 守卫检查验证码页面。
type SessionExecutors struct {
	HTTP        executor.HTTPConfig
	HTTPOptions []executor.HTTPOption
	Drivers     DriverProvider
	Coordinator *otp.Coordinator
	OTPTimeout  time.Duration
	ElementWait time.Duration
}

var _ ExecutorFactory = (*SessionExecutors)(nil)

// ExecutorFor 实现 ExecutorFactory。
func (f *SessionExecutors) ExecutorFor(ctx context.Context, sess *session.Session, systemType session.SystemType) (executor.Executor, error) {
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	if systemType == "" {
		systemType = sess.SystemType
	}
	switch systemType {
	case session.SystemAPI:
		return f.httpExecutor(sess)
	case session.SystemBrowser:
		return f.browserExecutor(ctx, sess)
	case session.SystemHybrid:
		page, err := f.browserExecutor(ctx, sess)
		if err != nil {
			return nil, err
		}
		api, err := f.httpExecutor(sess)
		if err != nil {
			return nil, err
		}
		return executor.NewHybridExecutor(page, api), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的系统类型 "+string(systemType))
	}
}

func (f *SessionExecutors) httpExecutor(sess *session.Session) (*executor.HTTPExecutor, error) {
	cfg := f.HTTP
	cfg.BaseURL = sess.TargetURL
	opts := append([]executor.HTTPOption(nil), f.HTTPOptions...)
	opts = append(opts, executor.WithCredentials(executor.CredentialFunc(func(context.Context) (map[string]string, error) {
		return sess.Auth().Headers(), nil
	})))
	return executor.NewHTTPExecutor(cfg, opts...)
}

func (f *SessionExecutors) browserExecutor(ctx context.Context, sess *session.Session) (*executor.BrowserExecutor, error) {
	driver, ok := sess.Driver().(executor.Driver)
	if !ok || driver == nil {
		if f.Drivers == nil {
			return nil, xerrors.New(xerrors.CodeActionExecution, "没有可用的浏览器驱动",
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("session_id", sess.ID))
		}
		created, err := f.Drivers.NewDriver(ctx, sess.TargetURL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeActionExecution, err, "创建浏览器驱动失败")
		}
		if err := sess.AttachDriver(created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeActionExecution, err, "替换浏览器驱动失败")
		}
		driver = created
	}
	var opts []executor.BrowserOption
	if f.Coordinator != nil {
		opts = append(opts, executor.WithCheckpointHandler(otp.NewGuard(f.Coordinator, sess.ID, sess.TargetURL, f.OTPTimeout)))
	}
	if f.ElementWait > 0 {
		opts = append(opts, executor.WithElementWait(f.ElementWait))
	}
	return executor.NewBrowserExecutor(driver, opts...), nil
}
