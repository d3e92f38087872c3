package tool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "CryptoPilot/internal/errors"
)

// CodeToolAcquire 表示工具集获取失败。
const CodeToolAcquire xerrors.Code = "TOOL_ACQUIRE_FAILED"

func init() {
	xerrors.Register(CodeToolAcquire, xerrors.Attributes{
		Message:  "failed to acquire tool set",
		Severity: xerrors.SeverityWarning,
		Fatal:    true,
		Alert:    true,
	})
}

// Tool 是一个可按名称调用的外部能力。
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, arguments map[string]any) (string, error)
}

// Set 是一组有序的命名工具。
type Set struct {
	tools []Tool
	index map[string]Tool
}

// NewSet 按给定顺序构建工具集。重名工具保留先注册的一个。
func NewSet(tools ...Tool) *Set {
	set := &Set{index: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil || strings.TrimSpace(t.Name()) == "" {
			continue
		}
		if _, exists := set.index[t.Name()]; exists {
			continue
		}
		set.tools = append(set.tools, t)
		set.index[t.Name()] = t
	}
	return set
}

// Lookup 按名称查找工具。
func (s *Set) Lookup(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.index[name]
	return t, ok
}

// Tools 返回按注册顺序排列的工具列表。
func (s *Set) Tools() []Tool {
	if s == nil {
		return nil
	}
	return s.tools
}

// Len 返回工具数量。
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Catalog 生成供提示词引用的工具目录文本。
func (s *Set) Catalog() string {
	if s == nil || len(s.tools) == 0 {
		return "(no tools available)"
	}
	var builder strings.Builder
	for i, t := range s.tools {
		builder.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, t.Name(), t.Description()))
	}
	return builder.String()
}

// Provider 负责获取工具集。实现可能访问远程进程，获取应视为可失败操作。
type Provider interface {
	Acquire(ctx context.Context) (*Set, error)
}

// CachingProvider 包装另一个 Provider，在首次成功获取后缓存结果。
// 获取失败不缓存，下次调用会重试。
type CachingProvider struct {
	mu     sync.Mutex
	inner  Provider
	cached *Set
}

// NewCachingProvider 创建缓存包装。
func NewCachingProvider(inner Provider) *CachingProvider {
	return &CachingProvider{inner: inner}
}

// Acquire 实现 Provider 接口。
func (p *CachingProvider) Acquire(ctx context.Context) (*Set, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached, nil
	}
	if p.inner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具提供方")
	}
	set, err := p.inner.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.cached = set
	return set, nil
}

// Func 用函数实现一个工具，便于静态注册与测试。
type Func struct {
	ToolName        string
	ToolDescription string
	Fn              func(ctx context.Context, arguments map[string]any) (string, error)
}

// Name 返回工具名称。
func (f *Func) Name() string { return f.ToolName }

// Description 返回工具说明。
func (f *Func) Description() string { return f.ToolDescription }

// Invoke 执行工具。
func (f *Func) Invoke(ctx context.Context, arguments map[string]any) (string, error) {
	if f.Fn == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "工具未绑定实现")
	}
	return f.Fn(ctx, arguments)
}

// StaticProvider 直接返回预先构建的工具集。
type StaticProvider struct {
	set *Set
}

// NewStaticProvider 创建静态提供方。
func NewStaticProvider(set *Set) *StaticProvider {
	return &StaticProvider{set: set}
}

// Acquire 实现 Provider 接口。
func (p *StaticProvider) Acquire(context.Context) (*Set, error) {
	if p == nil || p.set == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "静态工具集为空")
	}
	return p.set, nil
}
