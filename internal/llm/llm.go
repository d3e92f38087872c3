package llm

import "context"

// Client 定义了调用推理引擎的统一接口。
// 输入是完整拼装好的提示词，输出是模型返回的原始文本，
// 由调用方自行解析结构（协调器解析 JSON，合成阶段直接取文本）。
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleteFunc 允许用函数直接实现 Client，主要用于测试。
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

// Complete 实现 Client 接口。
func (f CompleteFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
