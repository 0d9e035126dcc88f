package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxHistory       = 10
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client 通过 HTTP 调用 OpenAI 兼容接口生成工作流计划。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 请求模型输出 JSON 计划。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "请求 OpenAI 失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return nil, xerrors.New(xerrors.CodePlanning,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(retryable),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)),
		)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodePlanning, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodePlanning, "OpenAI 响应内容为空")
	}

	plan := llm.ExtractJSON(content)
	var envelope struct {
		Thought string `json:"thought"`
	}
	_ = json.Unmarshal([]byte(plan), &envelope)

	return &llm.Response{
		Thought: envelope.Thought,
		Content: plan,
	}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":           c.model,
		"messages":        messages,
		"temperature":     c.temperature,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You plan automation workflows. Respond with one JSON object: " +
	"{\"thought\": string, \"system_type\": \"api\"|\"browser\"|\"hybrid\", \"requires_auth\": bool, \"steps\": [step]}. " +
	"Each step has \"id\", \"type\" (api|browser|condition|loop|parallel|delay|human_approval) and optional " +
	"\"retry_count\", \"timeout\", \"on_error\" (continue|retry|rollback|abort), \"rollback_steps\", \"output_variable\". " +
	"api: \"endpoint\", \"method\", \"params\", \"headers\". " +
	"browser: \"actions\" of {\"type\": navigate|click|type|extract|wait, \"url\", \"locator\", \"value\", \"duration\", \"output_variable\"}. " +
	"condition: \"expression\", \"on_true\", \"on_false\". loop: \"source\", \"body\". parallel: \"steps\". " +
	"delay: \"duration\". human_approval: \"message\". Reference variables as {name}."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前任务\n")
	builder.WriteString(fmt.Sprintf("目标: %s\n", strings.TrimSpace(req.Goal)))
	if target := strings.TrimSpace(req.TargetURL); target != "" {
		builder.WriteString(fmt.Sprintf("目标系统: %s\n", target))
	}
	if systemType := strings.TrimSpace(req.SystemType); systemType != "" {
		builder.WriteString(fmt.Sprintf("系统类型: %s\n", systemType))
	}
	if req.HasCredentials {
		builder.WriteString("会话已登录，无需生成登录步骤。\n")
	} else {
		builder.WriteString("会话未登录，如目标系统需要认证请先生成登录步骤。\n")
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## 最近执行记录\n")
		history := req.History
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}
		for idx, entry := range history {
			line := fmt.Sprintf("[%d] %s: %s", idx+1, entry.StepID, entry.Outcome)
			if entry.Error != "" {
				line += " | " + truncate(entry.Error)
			}
			builder.WriteString(line + "\n")
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
