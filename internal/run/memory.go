package run

import (
	"fmt"
	"strings"
	"time"

	xerrors "CryptoPilot/internal/errors"
)

// Side 表示交易方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// CodeRunValidation 表示运行状态操作的参数非法。
const CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"

func init() {
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:  "run state validation failed",
		Severity: xerrors.SeverityInfo,
		Fatal:    false,
		Alert:    false,
	})
}

// Decision 记录协调器的一次路由决策。
type Decision struct {
	Step            int    `json:"step"`
	SelectedHandler string `json:"selected_handler"`
	Reasoning       string `json:"reasoning"`
	Task            string `json:"task"`
	Timestamp       int64  `json:"timestamp"`
}

// ToolCall 记录一次工具调用及其响应，按调用 ID 关联。
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Response  string         `json:"response"`
}

// HandlerResult 汇总一次处理器执行的结构化结果。
type HandlerResult struct {
	HandlerName string     `json:"handler_name"`
	InputTask   string     `json:"input_task"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	OutputText  string     `json:"output_text"`
}

// TradeRecord 记录一笔已确认成交的交易。
type TradeRecord struct {
	TradeID        string  `json:"trade_id"`
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	Quantity       float64 `json:"quantity"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason"`
	ExecutionPrice float64 `json:"execution_price"`
	TotalValue     float64 `json:"total_value"`
	Timestamp      int64   `json:"timestamp"`
}

// ContextEntry 是按插入顺序保存的上下文键值对。
// 键的形式为 {handler}_step{n}，保证来源可追溯且不会被覆盖。
type ContextEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Memory 是单次运行期间在协调器与处理器之间流转的工作内存。
// 由图运行时独占持有，运行内不存在并发访问。
type Memory struct {
	RunID           string          `json:"run_id,omitempty"`
	UserQuery       string          `json:"user_query"`
	Context         []ContextEntry  `json:"context,omitempty"`
	RequestSummary  string          `json:"request_summary,omitempty"`
	ResponseSummary string          `json:"response_summary,omitempty"`
	CurrentTask     *string         `json:"current_task,omitempty"`
	Decisions       []Decision      `json:"decisions,omitempty"`
	HandlerResults  []HandlerResult `json:"handler_results,omitempty"`
	FinalOutput     *string         `json:"final_output,omitempty"`
	UserDetail      string          `json:"user_detail"`
	TradeLog        []TradeRecord   `json:"trade_log,omitempty"`
}

// Option 定义构造 Memory 时的可选配置。
type Option func(*Memory)

// WithRunID 指定运行标识。
func WithRunID(id string) Option {
	return func(m *Memory) {
		m.RunID = id
	}
}

// WithSummaries 注入上一轮会话携带的请求与响应摘要。
func WithSummaries(request, response string) Option {
	return func(m *Memory) {
		m.RequestSummary = request
		m.ResponseSummary = response
	}
}

// NewMemory 创建一次运行的工作内存。
func NewMemory(userQuery, userDetail string, opts ...Option) *Memory {
	m := &Memory{
		UserQuery:  userQuery,
		UserDetail: userDetail,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// RecordDecision 追加一条决策并设置待执行子任务。
// step 取当前决策数加一，保证单调递增。
func (m *Memory) RecordDecision(handler, reasoning, task string) error {
	if strings.TrimSpace(handler) == "" {
		return xerrors.New(CodeRunValidation, "决策必须指定处理器")
	}
	if m.FinalOutput != nil {
		return xerrors.New(CodeRunValidation, "运行已结束，不能再追加决策")
	}
	m.Decisions = append(m.Decisions, Decision{
		Step:            len(m.Decisions) + 1,
		SelectedHandler: handler,
		Reasoning:       reasoning,
		Task:            task,
		Timestamp:       time.Now().Unix(),
	})
	m.CurrentTask = &task
	return nil
}

// RecordHandlerResult 追加处理器结果，并以 {handler}_step{n} 为键写入上下文。
// n 为该处理器历史成功次数加一。注意：不清除 CurrentTask，
// 步骤边界由调用方显式调用 ClearPendingTask 划定。
func (m *Memory) RecordHandlerResult(handlerName string, result HandlerResult) {
	m.HandlerResults = append(m.HandlerResults, result)
	count := 0
	for _, r := range m.HandlerResults {
		if r.HandlerName == handlerName {
			count++
		}
	}
	m.Context = append(m.Context, ContextEntry{
		Key:   fmt.Sprintf("%s_step%d", handlerName, count),
		Value: result.OutputText,
	})
}

// ClearPendingTask 清除待执行子任务。
func (m *Memory) ClearPendingTask() {
	m.CurrentTask = nil
}

// PendingTask 返回待执行子任务。第二个返回值表示是否存在。
func (m *Memory) PendingTask() (string, bool) {
	if m.CurrentTask == nil {
		return "", false
	}
	return *m.CurrentTask, true
}

// Finish 写入最终输出并清除待执行子任务。
// 调用方约定每次运行最多调用一次；重复调用会覆盖之前的输出。
func (m *Memory) Finish(output string) {
	m.FinalOutput = &output
	m.CurrentTask = nil
}

// Finished 返回运行是否已产生最终输出。
func (m *Memory) Finished() bool {
	return m.FinalOutput != nil
}

// AppendTrade 追加一笔已确认的交易记录。
func (m *Memory) AppendTrade(record TradeRecord) {
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().Unix()
	}
	m.TradeLog = append(m.TradeLog, record)
}

// ContextValue 按键查找上下文值。
func (m *Memory) ContextValue(key string) (string, bool) {
	for _, entry := range m.Context {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return "", false
}

// RenderTrace 生成人类可读的线性执行轨迹，仅用于调试与观测。
func (m *Memory) RenderTrace() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("User query: %s\n", m.UserQuery))
	for i, d := range m.Decisions {
		output := ""
		if i < len(m.HandlerResults) {
			output = m.HandlerResults[i].OutputText
		}
		builder.WriteString(fmt.Sprintf("Step %d: %s -> %s\n Reasoning: %s\n Output: %s\n",
			d.Step, d.SelectedHandler, d.Task, d.Reasoning, output))
	}
	if m.FinalOutput != nil {
		builder.WriteString(fmt.Sprintf("Final: %s", *m.FinalOutput))
	} else {
		builder.WriteString("Final: <pending>")
	}
	return builder.String()
}

// Snapshot 返回工作内存的深拷贝，供流式推送时使用，
// 避免调用方在下一个节点执行期间读到正在变更的状态。
func (m *Memory) Snapshot() *Memory {
	if m == nil {
		return nil
	}
	clone := *m
	if m.CurrentTask != nil {
		task := *m.CurrentTask
		clone.CurrentTask = &task
	}
	if m.FinalOutput != nil {
		output := *m.FinalOutput
		clone.FinalOutput = &output
	}
	clone.Context = append([]ContextEntry(nil), m.Context...)
	clone.Decisions = append([]Decision(nil), m.Decisions...)
	clone.TradeLog = append([]TradeRecord(nil), m.TradeLog...)
	clone.HandlerResults = make([]HandlerResult, len(m.HandlerResults))
	for i, result := range m.HandlerResults {
		copied := result
		copied.ToolCalls = make([]ToolCall, len(result.ToolCalls))
		for j, call := range result.ToolCalls {
			callCopy := call
			callCopy.Arguments = cloneArguments(call.Arguments)
			copied.ToolCalls[j] = callCopy
		}
		clone.HandlerResults[i] = copied
	}
	return &clone
}

func cloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cloned := make(map[string]any, len(args))
	for k, v := range args {
		cloned[k] = v
	}
	return cloned
}
