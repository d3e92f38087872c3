package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/run"
)

// FinishSentinel 是协调器表示"结束运行"的特殊选择值。
const FinishSentinel = "FINISH"

// CodeDecisionParse 表示协调器输出无法解析为预期的 JSON 结构。
const CodeDecisionParse xerrors.Code = "DECISION_PARSE_FAILED"

func init() {
	xerrors.Register(CodeDecisionParse, xerrors.Attributes{
		Message:  "coordinator decision is not valid JSON",
		Severity: xerrors.SeverityWarning,
		Fatal:    true,
		Alert:    true,
	})
}

// HandlerInfo 描述一个可供调度的处理器及其能力说明，用于构建决策提示词。
type HandlerInfo struct {
	Name       string
	Capability string
}

// Choice 是协调器的一次决策结果。
// Selected 为 FINISH 时表示运行结束，否则为被选中处理器的名称。
type Choice struct {
	Selected  string
	Task      string
	Reasoning string
}

// Finish 返回该决策是否为结束运行。
func (c Choice) Finish() bool {
	return c.Selected == FinishSentinel
}

// Coordinator 是每次图访问时的唯一决策者：
// 要么选定一个处理器与最小化子任务，要么合成最终回答并结束。
type Coordinator struct {
	client  llm.Client
	catalog []HandlerInfo
}

// New 创建协调器。catalog 按给定顺序写入提示词。
func New(client llm.Client, catalog []HandlerInfo) *Coordinator {
	return &Coordinator{client: client, catalog: catalog}
}

// Decide 基于当前工作内存做出下一步决策。
// 恰好调用一次推理引擎；解析失败时按外层大括号截取重试一次，
// 仍失败则返回 DECISION_PARSE_FAILED，由调用方终止本次运行。
func (c *Coordinator) Decide(ctx context.Context, mem *run.Memory) (Choice, error) {
	if c.client == nil {
		return Choice{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置推理引擎")
	}

	raw, err := c.client.Complete(ctx, c.buildDecisionPrompt(mem))
	if err != nil {
		return Choice{}, err
	}

	choice, err := parseChoice(raw)
	if err != nil {
		return Choice{}, err
	}
	return choice, nil
}

// Synthesize 消费全部累积上下文生成最终自然语言回答。
func (c *Coordinator) Synthesize(ctx context.Context, mem *run.Memory) (string, error) {
	if c.client == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置推理引擎")
	}
	answer, err := c.client.Complete(ctx, c.buildSynthesisPrompt(mem))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// parseChoice 按严格 JSON 解析决策输出；失败时截取最外层 {...} 重试一次。
func parseChoice(raw string) (Choice, error) {
	decoded, err := decodeChoice(raw)
	if err == nil {
		return decoded, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Choice{}, xerrors.Wrap(CodeDecisionParse, err, "决策输出中没有 JSON 对象")
	}
	decoded, retryErr := decodeChoice(raw[start : end+1])
	if retryErr != nil {
		return Choice{}, xerrors.Wrap(CodeDecisionParse, retryErr, "决策输出恢复解析失败")
	}
	return decoded, nil
}

func decodeChoice(text string) (Choice, error) {
	var payload struct {
		SelectedAgent string          `json:"selected_agent"`
		Task          json.RawMessage `json:"task"`
		Reasoning     string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Choice{}, err
	}
	if strings.TrimSpace(payload.SelectedAgent) == "" {
		return Choice{}, fmt.Errorf("决策缺少 selected_agent 字段")
	}
	return Choice{
		Selected:  payload.SelectedAgent,
		Task:      normalizeTask(payload.Task),
		Reasoning: payload.Reasoning,
	}, nil
}

// normalizeTask 把任意形态的 task 字段归一为字符串：
// 结构化对象序列化为 JSON 文本，缺省为空串，其余按原样转为字符串。
func normalizeTask(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asNull any
	if err := json.Unmarshal(raw, &asNull); err == nil && asNull == nil {
		return ""
	}
	compact := strings.TrimSpace(string(raw))
	return compact
}

func (c *Coordinator) buildDecisionPrompt(mem *run.Memory) string {
	var builder strings.Builder
	builder.WriteString("You are the coordinator of a crypto trading and research assistant.\n")
	builder.WriteString("Decide which specialised handler should act next, or FINISH when enough information has been gathered.\n")
	builder.WriteString("Never dispatch more than one handler at a time. Forward a rewritten, minimal sub-task, not the full query.\n\n")

	builder.WriteString("## User query\n")
	builder.WriteString(mem.UserQuery + "\n")

	if mem.RequestSummary != "" || mem.ResponseSummary != "" {
		builder.WriteString("\n## Previous conversation\n")
		if mem.RequestSummary != "" {
			builder.WriteString("Requests: " + mem.RequestSummary + "\n")
		}
		if mem.ResponseSummary != "" {
			builder.WriteString("Responses: " + mem.ResponseSummary + "\n")
		}
	}

	if len(mem.Context) > 0 {
		builder.WriteString("\n## Collected context\n")
		for _, entry := range mem.Context {
			builder.WriteString(fmt.Sprintf("[%s] %s\n", entry.Key, entry.Value))
		}
	}

	if len(mem.TradeLog) > 0 {
		builder.WriteString("\n## Executed trades\n")
		if encoded, err := json.Marshal(mem.TradeLog); err == nil {
			builder.Write(encoded)
			builder.WriteString("\n")
		}
	}

	builder.WriteString("\n## Available handlers\n")
	for _, info := range c.catalog {
		builder.WriteString(fmt.Sprintf("- %s: %s\n", info.Name, info.Capability))
	}

	builder.WriteString("\nRespond strictly in JSON: ")
	builder.WriteString(`{"selected_agent": "<handler name or FINISH>", "task": "<sub-task>", "reasoning": "<why>"}`)
	return builder.String()
}

func (c *Coordinator) buildSynthesisPrompt(mem *run.Memory) string {
	var builder strings.Builder
	builder.WriteString("Synthesise a final answer for the user. Be precise and concise, include concrete data points, ")
	builder.WriteString("confirm executed trades with details, and do not mention internal handlers or processes.\n\n")

	builder.WriteString("## Original query\n")
	builder.WriteString(mem.UserQuery + "\n")

	if len(mem.Context) > 0 {
		builder.WriteString("\n## Collected information\n")
		for _, entry := range mem.Context {
			builder.WriteString(fmt.Sprintf("[%s] %s\n", entry.Key, entry.Value))
		}
	}

	if len(mem.Decisions) > 0 {
		builder.WriteString("\n## Execution history\n")
		for _, d := range mem.Decisions {
			builder.WriteString(fmt.Sprintf("Step %d: %s - %s\n", d.Step, d.SelectedHandler, d.Task))
		}
	}

	if len(mem.HandlerResults) > 0 {
		builder.WriteString("\n## Handler outputs\n")
		for _, r := range mem.HandlerResults {
			builder.WriteString(fmt.Sprintf("%s: %s\n", r.HandlerName, r.OutputText))
		}
	}

	if len(mem.TradeLog) > 0 {
		builder.WriteString("\n## Trades executed\n")
		if encoded, err := json.MarshalIndent(mem.TradeLog, "", "  "); err == nil {
			builder.Write(encoded)
			builder.WriteString("\n")
		}
	}

	if mem.RequestSummary != "" || mem.ResponseSummary != "" {
		builder.WriteString("\n## Previous conversation\n")
		builder.WriteString("Request summary: " + mem.RequestSummary + "\n")
		builder.WriteString("Response summary: " + mem.ResponseSummary + "\n")
	}

	builder.WriteString("\nProvide the final response as plain text (not JSON).")
	return builder.String()
}
