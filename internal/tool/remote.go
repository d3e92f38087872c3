package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "CryptoPilot/internal/errors"
)

const defaultRemoteTimeout = 30 * time.Second

// RemoteConfig 描述一个远程工具服务的连接方式。
// 每类处理器对应一个独立的工具服务进程，通过 HTTP 暴露工具目录与调用入口。
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RemoteProvider 通过 HTTP 从远程工具服务获取工具集。
type RemoteProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteProvider 创建远程工具提供方。
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具服务地址不能为空")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}

	return &RemoteProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Acquire 拉取远程工具目录并构建工具集。
func (p *RemoteProvider) Acquire(ctx context.Context) (*Set, error) {
	endpoint := p.baseURL + "/tools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeToolAcquire, err, "构建工具目录请求失败")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeToolAcquire, err, "请求工具目录失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeToolAcquire,
			fmt.Sprintf("工具服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var listing []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, xerrors.Wrap(CodeToolAcquire, err, "解析工具目录失败")
	}

	tools := make([]Tool, 0, len(listing))
	for _, entry := range listing {
		tools = append(tools, &remoteTool{
			provider:    p,
			name:        entry.Name,
			description: entry.Description,
		})
	}
	return NewSet(tools...), nil
}

// remoteTool 将单次工具调用转发给远程服务。
type remoteTool struct {
	provider    *RemoteProvider
	name        string
	description string
}

func (t *remoteTool) Name() string        { return t.name }
func (t *remoteTool) Description() string { return t.description }

// Invoke 调用远程工具并返回文本响应。
func (t *remoteTool) Invoke(ctx context.Context, arguments map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"name":      t.name,
		"arguments": arguments,
	})
	if err != nil {
		return "", fmt.Errorf("序列化工具调用失败: %w", err)
	}

	endpoint := t.provider.baseURL + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建工具调用请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.provider.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用工具 %s 失败: %w", t.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("读取工具响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("工具 %s 返回错误状态 %d: %s", t.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// 工具服务可以返回 {"response": "..."} 或任意 JSON/文本，原样透传给调用方。
	var wrapped struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Response != nil {
		return *wrapped.Response, nil
	}
	return strings.TrimSpace(string(body)), nil
}
