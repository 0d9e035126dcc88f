package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const defaultElementWait = 10 * time.Second

// BrowserOption 定义可选配置。
type BrowserOption func(*BrowserExecutor)

// WithCheckpointHandler 配置页面跳转后的中断检测。
func WithCheckpointHandler(handler CheckpointHandler) BrowserOption {
	return func(b *BrowserExecutor) {
		b.checkpoint = handler
	}
}

// WithElementWait 设置等待元素出现的默认超时。
func WithElementWait(timeout time.Duration) BrowserOption {
	return func(b *BrowserExecutor) {
		if timeout > 0 {
			b.elementWait = timeout
		}
	}
}

// BrowserExecutor 通过 Driver 操作真实页面。
type BrowserExecutor struct {
	driver      Driver
	checkpoint  CheckpointHandler
	elementWait time.Duration
	logger      *slog.Logger
}

// NewBrowserExecutor 包装一个页面驱动。
func NewBrowserExecutor(driver Driver, opts ...BrowserOption) *BrowserExecutor {
	b := &BrowserExecutor{
		driver:      driver,
		elementWait: defaultElementWait,
		logger:      logger.Named("executor.browser"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Navigate 打开页面并检查中断页面。
func (b *BrowserExecutor) Navigate(ctx context.Context, url string) error {
	if b.driver == nil {
		return unsupported("navigate")
	}
	if err := b.driver.Navigate(ctx, url); err != nil {
		return actionError("navigate", url, err)
	}
	return b.afterTransition(ctx)
}

// Click 点击元素并检查中断页面。
func (b *BrowserExecutor) Click(ctx context.Context, locator string) error {
	if b.driver == nil {
		return unsupported("click")
	}
	if err := b.driver.Click(ctx, locator); err != nil {
		return actionError("click", locator, err)
	}
	return b.afterTransition(ctx)
}

// Type 向元素输入文本。
func (b *BrowserExecutor) Type(ctx context.Context, locator, value string) error {
	if b.driver == nil {
		return unsupported("type")
	}
	if err := b.driver.Fill(ctx, locator, value); err != nil {
		return actionError("type", locator, err)
	}
	return nil
}

// Extract 读取元素的文本内容。
func (b *BrowserExecutor) Extract(ctx context.Context, locator string) (string, error) {
	if b.driver == nil {
		return "", unsupported("extract")
	}
	text, err := b.driver.Text(ctx, locator)
	if err != nil {
		return "", actionError("extract", locator, err)
	}
	return text, nil
}

// Wait 等待元素出现，或在未指定元素时固定等待。
func (b *BrowserExecutor) Wait(ctx context.Context, cond WaitCondition) error {
	if cond.Locator == "" {
		if err := Sleep(ctx, cond.Duration); err != nil {
			return actionError("wait", "", err)
		}
		return nil
	}
	if b.driver == nil {
		return unsupported("wait_for_element")
	}
	timeout := cond.Timeout
	if timeout <= 0 {
		timeout = b.elementWait
	}
	if err := b.driver.WaitFor(ctx, cond.Locator, timeout); err != nil {
		return actionError("wait", cond.Locator, err)
	}
	return nil
}

// Call 不被纯浏览器执行器支持。
func (b *BrowserExecutor) Call(context.Context, CallRequest) (*CallResult, error) {
	return nil, unsupported("call")
}

// Close 释放底层驱动。
func (b *BrowserExecutor) Close() error {
	if b.driver == nil {
		return nil
	}
	return b.driver.Close()
}

func (b *BrowserExecutor) afterTransition(ctx context.Context) error {
	if b.checkpoint == nil {
		return nil
	}
	if err := b.checkpoint.HandleCheckpoint(ctx, b.driver); err != nil {
		b.logger.Warn("页面中断处理失败", slog.Any("error", err))
		return err
	}
	return nil
}

// HybridExecutor 将页面动作交给浏览器执行器，将接口调用交给 REST 执行器。
type HybridExecutor struct {
	Page Executor
	API  Executor
}

// NewHybridExecutor 组合两个执行器。
func NewHybridExecutor(page, api Executor) *HybridExecutor {
	return &HybridExecutor{Page: page, API: api}
}

func (h *HybridExecutor) Navigate(ctx context.Context, url string) error {
	if h.Page == nil {
		return unsupported("navigate")
	}
	return h.Page.Navigate(ctx, url)
}

func (h *HybridExecutor) Click(ctx context.Context, locator string) error {
	if h.Page == nil {
		return unsupported("click")
	}
	return h.Page.Click(ctx, locator)
}

func (h *HybridExecutor) Type(ctx context.Context, locator, value string) error {
	if h.Page == nil {
		return unsupported("type")
	}
	return h.Page.Type(ctx, locator, value)
}

func (h *HybridExecutor) Extract(ctx context.Context, locator string) (string, error) {
	if h.Page == nil {
		return "", unsupported("extract")
	}
	return h.Page.Extract(ctx, locator)
}

func (h *HybridExecutor) Wait(ctx context.Context, cond WaitCondition) error {
	if h.Page != nil {
		return h.Page.Wait(ctx, cond)
	}
	if h.API != nil {
		return h.API.Wait(ctx, cond)
	}
	return unsupported("wait")
}

func (h *HybridExecutor) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	if h.API == nil {
		return nil, unsupported("call")
	}
	return h.API.Call(ctx, req)
}

var (
	_ Executor = (*BrowserExecutor)(nil)
	_ Executor = (*HybridExecutor)(nil)
)
