package llm

import (
	"context"
	"strings"
)

// Request 描述发送给大模型的规划上下文。
type Request struct {
	Goal           string
	TargetURL      string
	SystemType     string
	HasCredentials bool
	History        []HistoryEntry
}

// Response 是大模型返回的原始内容。Content 应当是一个 JSON 工作流计划。
type Response struct {
	Thought string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 是会话中最近的步骤执行记录，为规划提供上下文。
type HistoryEntry struct {
	WorkflowID string
	StepID     string
	Outcome    string
	Error      string
	CreatedAt  int64
}

// ExtractJSON 去掉模型输出中常见的 Markdown 代码块包裹，返回第一个 JSON 对象。
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return content
	}
	return content[start : end+1]
}
