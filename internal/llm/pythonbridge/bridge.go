package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/llm"
)

// Client 通过调用外部 Python 脚本生成工作流计划。脚本从 stdin 读取 JSON 请求，
// 向 stdout 输出 JSON 计划。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// bridgeRequest 是写入脚本 stdin 的 JSON。
type bridgeRequest struct {
	Goal           string          `json:"goal"`
	TargetURL      string          `json:"target_url"`
	SystemType     string          `json:"system_type,omitempty"`
	HasCredentials bool            `json:"has_credentials"`
	History        []bridgeHistory `json:"history"`
	Timestamp      int64           `json:"timestamp"`
}

type bridgeHistory struct {
	StepID  string `json:"step_id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// maxStderr 限制错误信息中携带的脚本 stderr 长度。
const maxStderr = 2048

// Generate 运行脚本一次。脚本输出可以夹带说明文字，只取其中的 JSON 对象。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := bridgeRequest{
		Goal:           req.Goal,
		TargetURL:      req.TargetURL,
		SystemType:     req.SystemType,
		HasCredentials: req.HasCredentials,
		History:        make([]bridgeHistory, 0, len(req.History)),
		Timestamp:      time.Now().Unix(),
	}
	for _, entry := range req.History {
		payload.History = append(payload.History, bridgeHistory{StepID: entry.StepID, Outcome: entry.Outcome, Error: entry.Error})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > maxStderr {
			tail = tail[len(tail)-maxStderr:]
		}
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, fmt.Sprintf("执行 Python 脚本失败, stderr=%s", tail))
	}

	content := llm.ExtractJSON(stdout.String())
	var envelope struct {
		Thought string `json:"thought"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "解析 Python 输出失败", xerrors.WithRetryable(false))
	}

	return &llm.Response{
		Thought: envelope.Thought,
		Content: content,
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
