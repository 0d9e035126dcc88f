package task

import (
	"context"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/executor"
	"github.com/precious195/airbrain-sub000/pkg/plugin"
)

// PluginDrivers 从插件管理器中解析浏览器驱动。id 为空时使用第一个已启动的驱动插件。
// 插件需要同时实现 DriverProvider。
func PluginDrivers(m *plugin.Manager, id string) DriverProvider {
	return DriverProviderFunc(func(ctx context.Context, target string) (executor.Driver, error) {
		if m == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "插件管理器未初始化")
		}
		var candidates []plugin.Plugin
		if id != "" {
			p, err := m.Lookup(id)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "驱动插件不可用")
			}
			candidates = append(candidates, p)
		} else {
			candidates = m.Started(plugin.TypeDriver)
		}
		for _, p := range candidates {
			if p.Info().Category != plugin.TypeDriver {
				continue
			}
			if provider, ok := p.(DriverProvider); ok {
				return provider.NewDriver(ctx, target)
			}
		}
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "没有实现驱动接口的插件",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("plugin_id", id))
	})
}
