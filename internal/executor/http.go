package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 4 << 20
	defaultUserAgent    = "airbrain/1.0"
)

// HTTPConfig 描述 REST 适配器的连接参数。
type HTTPConfig struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimit    float64
	Burst        int
	UserAgent    string
	Headers      map[string]string
	MaxBodyBytes int64
}

// CredentialSource 为每次调用提供认证头，通常由会话的 AuthState 推导。
type CredentialSource interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// CredentialFunc 将函数适配为 CredentialSource。
type CredentialFunc func(ctx context.Context) (map[string]string, error)

// Headers 实现 CredentialSource。
func (f CredentialFunc) Headers(ctx context.Context) (map[string]string, error) {
	if f == nil {
		return nil, nil
	}
	return f(ctx)
}

// HTTPOption 定义可选配置。
type HTTPOption func(*HTTPExecutor)

// WithHTTPClient 替换底层 http.Client。替换后跨源重定向不再剥离会话凭据，由调用方的 CheckRedirect 负责。
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(e *HTTPExecutor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithCredentials 配置认证头来源。
func WithCredentials(src CredentialSource) HTTPOption {
	return func(e *HTTPExecutor) {
		e.credentials = src
	}
}

// HTTPExecutor 面向 REST 类系统的执行器，仅支持 Call 与固定时长等待。
// 会话凭据只发往与 BaseURL 同源（scheme、host、port 相同）的地址。
type HTTPExecutor struct {
	client      *http.Client
	baseURL     string
	origin      string
	limiter     *rate.Limiter
	credentials CredentialSource
	userAgent   string
	headers     map[string]string
	maxBody     int64
}

// NewHTTPExecutor 创建 REST 执行器。
func NewHTTPExecutor(cfg HTTPConfig, opts ...HTTPOption) (*HTTPExecutor, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	var origin string
	if base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的目标地址: %q", cfg.BaseURL))
		}
		origin = originOf(parsed)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	e := &HTTPExecutor{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(base, "/"),
		origin:    origin,
		userAgent: cfg.UserAgent,
		headers:   cloneHeaders(cfg.Headers),
		maxBody:   cfg.MaxBodyBytes,
	}
	e.client.CheckRedirect = e.checkRedirect
	if e.userAgent == "" {
		e.userAgent = defaultUserAgent
	}
	if e.maxBody <= 0 {
		e.maxBody = defaultMaxBodyBytes
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Call 发起一次 REST 调用。
func (e *HTTPExecutor) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := e.resolve(req.Endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Params) > 0 {
		if method == http.MethodGet || method == http.MethodDelete || method == http.MethodHead {
			target, err = appendQuery(target, req.Params)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造查询参数失败")
			}
		} else {
			encoded, err := json.Marshal(req.Params)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求体失败")
			}
			body = bytes.NewReader(encoded)
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, actionError("call", target, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建请求失败")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", e.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range e.headers {
		httpReq.Header.Set(k, v)
	}
	if e.credentials != nil && e.sameOrigin(httpReq.URL) {
		creds, err := e.credentials.Headers(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeAuthentication, err, "获取会话凭据失败")
		}
		keys := make([]string, 0, len(creds))
		for k, v := range creds {
			httpReq.Header.Set(k, v)
			keys = append(keys, k)
		}
		httpReq = httpReq.WithContext(context.WithValue(httpReq.Context(), credentialKeysKey{}, keys))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, actionError("call", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, actionError("call", target, err)
	}

	result := &CallResult{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       decodeBody(raw),
	}
	if err := statusError(method, target, resp.StatusCode, raw); err != nil {
		return result, err
	}
	return result, nil
}

// Wait 只支持固定时长的等待。
func (e *HTTPExecutor) Wait(ctx context.Context, cond WaitCondition) error {
	if cond.Locator != "" {
		return unsupported("wait_for_element")
	}
	if err := Sleep(ctx, cond.Duration); err != nil {
		return actionError("wait", "", err)
	}
	return nil
}

// Navigate 对 REST 目标无意义。
func (e *HTTPExecutor) Navigate(context.Context, string) error { return unsupported("navigate") }

// Click 对 REST 目标无意义。
func (e *HTTPExecutor) Click(context.Context, string) error { return unsupported("click") }

// Type 对 REST 目标无意义。
func (e *HTTPExecutor) Type(context.Context, string, string) error { return unsupported("type") }

// Extract 对 REST 目标无意义。
func (e *HTTPExecutor) Extract(context.Context, string) (string, error) {
	return "", unsupported("extract")
}

func (e *HTTPExecutor) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "接口地址不能为空", xerrors.WithRetryable(false))
	}
	if parsed, err := url.Parse(endpoint); err == nil && parsed.IsAbs() {
		return endpoint, nil
	}
	if e.baseURL == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("相对地址 %q 缺少目标地址", endpoint), xerrors.WithRetryable(false))
	}
	return e.baseURL + "/" + strings.TrimLeft(endpoint, "/"), nil
}

type credentialKeysKey struct{}

// checkRedirect 在重定向离开目标源时删除会话凭据头。
func (e *HTTPExecutor) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	if e.sameOrigin(req.URL) {
		return nil
	}
	if keys, ok := req.Context().Value(credentialKeysKey{}).([]string); ok {
		for _, k := range keys {
			req.Header.Del(k)
		}
	}
	return nil
}

func (e *HTTPExecutor) sameOrigin(u *url.URL) bool {
	return e.origin != "" && u != nil && originOf(u) == e.origin
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return scheme + "://" + strings.ToLower(u.Hostname()) + ":" + port
}

func statusError(method, target string, status int, body []byte) error {
	if status < http.StatusBadRequest {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	cause := fmt.Errorf("%s %s 返回状态 %d: %s", method, target, status, snippet)
	meta := []xerrors.Option{
		xerrors.WithMetadata("status", strconv.Itoa(status)),
		xerrors.WithMetadata("target", target),
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.Wrap(xerrors.CodeAuthentication, cause, "目标系统拒绝凭据", meta...)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return xerrors.Wrap(xerrors.CodeActionExecution, cause, "接口调用失败", append(meta, xerrors.WithRetryable(true))...)
	default:
		return xerrors.Wrap(xerrors.CodeActionExecution, cause, "接口调用失败", append(meta, xerrors.WithRetryable(false))...)
	}
}

func appendQuery(target string, params map[string]any) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	for key, value := range params {
		rv := reflect.ValueOf(value)
		if value != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
			for i := 0; i < rv.Len(); i++ {
				query.Add(key, fmt.Sprint(rv.Index(i).Interface()))
			}
			continue
		}
		if value == nil {
			query.Set(key, "")
			continue
		}
		query.Set(key, fmt.Sprint(value))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		return decoded
	}
	return string(trimmed)
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func cloneHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Executor = (*HTTPExecutor)(nil)
