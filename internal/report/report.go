package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/session"
)

// Generator 基于线程历史生成 Markdown 报告。
type Generator struct {
	client llm.Client
}

// NewGenerator 创建报告生成器。
func NewGenerator(client llm.Client) *Generator {
	return &Generator{client: client}
}

// Generate 对整个线程做一次汇总调用，返回 Markdown 文本。
func (g *Generator) Generate(ctx context.Context, threadID string, memory *session.Memory) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("报告生成器未配置推理引擎")
	}
	if memory == nil || len(memory.RawTurns) == 0 {
		return "", fmt.Errorf("线程 %s 没有可汇总的对话", threadID)
	}

	raw, err := g.client.Complete(ctx, buildReportPrompt(threadID, memory))
	if err != nil {
		return "", fmt.Errorf("生成线程报告失败: %w", err)
	}
	return stripCodeFence(raw), nil
}

func buildReportPrompt(threadID string, memory *session.Memory) string {
	var builder strings.Builder
	builder.WriteString("Write a concise markdown report summarising the following conversation between ")
	builder.WriteString("a user and a crypto trading assistant. Include sections for the user's requests, ")
	builder.WriteString("the information gathered, and any trades executed. Output markdown only.\n\n")

	builder.WriteString(fmt.Sprintf("## Thread %s\n", threadID))
	if memory.RequestSummary != "" {
		builder.WriteString("\nRequest summary:\n" + memory.RequestSummary + "\n")
	}
	if memory.ResponseSummary != "" {
		builder.WriteString("\nResponse summary:\n" + memory.ResponseSummary + "\n")
	}

	builder.WriteString("\n## Turns\n")
	for i, turn := range memory.RawTurns {
		when := time.Unix(turn.Timestamp, 0).UTC().Format(time.RFC3339)
		builder.WriteString(fmt.Sprintf("%d. [%s] User: %s\n   Assistant: %s\n", i+1, when, turn.UserQuery, turn.FinalResponse))
	}
	return builder.String()
}

// stripCodeFence 去掉模型偶尔包裹在输出外层的 ``` 围栏。
func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```markdown")
	text = strings.TrimPrefix(text, "```md")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
