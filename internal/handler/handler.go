package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/run"
	"CryptoPilot/internal/tool"
)

const (
	// CodeHandlerExecution 表示处理器的工具循环或工具获取失败。
	CodeHandlerExecution xerrors.Code = "HANDLER_EXECUTION_FAILED"
	// CodeTradeConfirmParse 表示交易确认响应无法解析，属于非致命错误。
	CodeTradeConfirmParse xerrors.Code = "TRADE_CONFIRM_PARSE_FAILED"
)

func init() {
	xerrors.Register(CodeHandlerExecution, xerrors.Attributes{
		Message:  "handler execution failed",
		Severity: xerrors.SeverityWarning,
		Fatal:    true,
		Alert:    true,
	})
	xerrors.Register(CodeTradeConfirmParse, xerrors.Attributes{
		Message:  "trade confirmation could not be parsed",
		Severity: xerrors.SeverityInfo,
		Fatal:    false,
		Alert:    false,
	})
}

// defaultMaxToolCalls 限制单次处理器执行内的工具调用次数。
// 设计意图是 1-2 次，超出上限按策略违规处理而不是崩溃。
const defaultMaxToolCalls = 4

// Config 描述一个处理器变体的绑定方式。
// 四个变体（finance/sentiment/websearch/trade）仅在名称、
// 指令与工具提供方上不同，执行逻辑完全一致。
type Config struct {
	Name         string
	Capability   string
	Instructions string
	Tools        tool.Provider
	MaxToolCalls int
	RecordTrades bool
}

// Handler 执行协调器分派的单个有界子任务并记录结构化结果。
type Handler struct {
	name         string
	capability   string
	instructions string
	client       llm.Client
	tools        tool.Provider
	maxToolCalls int
	recordTrades bool
}

// New 创建处理器。
func New(client llm.Client, cfg Config) *Handler {
	maxCalls := cfg.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCalls
	}
	return &Handler{
		name:         cfg.Name,
		capability:   cfg.Capability,
		instructions: cfg.Instructions,
		client:       client,
		tools:        cfg.Tools,
		maxToolCalls: maxCalls,
		recordTrades: cfg.RecordTrades,
	}
}

// Name 返回处理器名称，也是上下文键 {name}_step{n} 的前缀。
func (h *Handler) Name() string { return h.name }

// Capability 返回处理器能力说明，供协调器目录使用。
func (h *Handler) Capability() string { return h.capability }

// Execute 执行当前待处理子任务。
// 没有待处理任务时不做任何事直接返回，工作内存保持原样。
func (h *Handler) Execute(ctx context.Context, mem *run.Memory) error {
	task, ok := mem.PendingTask()
	if !ok {
		return nil
	}
	if h.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未配置推理引擎",
			xerrors.WithMetadata("handler", h.name))
	}

	toolSet, err := h.acquireTools(ctx)
	if err != nil {
		return xerrors.Wrap(CodeHandlerExecution, err, "获取工具集失败",
			xerrors.WithMetadata("handler", h.name))
	}

	result, err := h.runToolLoop(ctx, mem, task, toolSet)
	if err != nil {
		return xerrors.Wrap(CodeHandlerExecution, err, "处理器执行失败",
			xerrors.WithMetadata("handler", h.name))
	}

	mem.RecordHandlerResult(h.name, *result)

	if h.recordTrades {
		h.collectTrades(mem, result, task)
	}

	mem.ClearPendingTask()
	return nil
}

func (h *Handler) acquireTools(ctx context.Context) (*tool.Set, error) {
	if h.tools == nil {
		return tool.NewSet(), nil
	}
	return h.tools.Acquire(ctx)
}

// runToolLoop 驱动有界的工具调用循环：
// 每一步模型要么调用一个工具，要么给出最终文本。
func (h *Handler) runToolLoop(ctx context.Context, mem *run.Memory, task string, toolSet *tool.Set) (*run.HandlerResult, error) {
	result := &run.HandlerResult{
		HandlerName: h.name,
		InputTask:   task,
	}

	var transcript strings.Builder
	for {
		raw, err := h.client.Complete(ctx, h.buildStepPrompt(mem, task, toolSet, transcript.String()))
		if err != nil {
			return nil, err
		}

		step, ok := decodeStep(raw)
		if !ok || step.Final != nil {
			// 非结构化输出按最终回答处理，与推理引擎的宽松约定一致。
			if ok && step.Final != nil {
				result.OutputText = strings.TrimSpace(*step.Final)
			} else {
				result.OutputText = strings.TrimSpace(raw)
			}
			return result, nil
		}

		if len(result.ToolCalls) >= h.maxToolCalls {
			return nil, xerrors.New(CodeHandlerExecution,
				fmt.Sprintf("工具调用超过上限 %d 次", h.maxToolCalls),
				xerrors.WithMetadata("handler", h.name))
		}

		target, found := toolSet.Lookup(step.Tool)
		if !found {
			return nil, xerrors.New(CodeHandlerExecution,
				fmt.Sprintf("请求了未知工具 %q", step.Tool),
				xerrors.WithMetadata("handler", h.name))
		}

		response, err := target.Invoke(ctx, step.Arguments)
		if err != nil {
			return nil, err
		}

		call := run.ToolCall{
			ID:        uuid.NewString(),
			Name:      step.Tool,
			Arguments: step.Arguments,
			Response:  response,
		}
		result.ToolCalls = append(result.ToolCalls, call)
		transcript.WriteString(fmt.Sprintf("Tool %s(%s) returned: %s\n", call.Name, encodeArguments(call.Arguments), response))
	}
}

// stepOutput 是工具循环中模型单步输出的两种形态之一。
type stepOutput struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Final     *string        `json:"final"`
}

func decodeStep(raw string) (stepOutput, bool) {
	var step stepOutput
	text := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(text), &step); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return stepOutput{}, false
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &step); err != nil {
			return stepOutput{}, false
		}
	}
	if step.Tool == "" && step.Final == nil {
		return stepOutput{}, false
	}
	return step, true
}

func (h *Handler) buildStepPrompt(mem *run.Memory, task string, toolSet *tool.Set, transcript string) string {
	var builder strings.Builder
	builder.WriteString(h.instructions)
	builder.WriteString("\n\n## Current task\n")
	builder.WriteString(task + "\n")

	if mem.UserDetail != "" {
		builder.WriteString("\n## User\n")
		builder.WriteString(mem.UserDetail + "\n")
	}

	if len(mem.Context) > 0 {
		builder.WriteString("\n## Context from previous steps\n")
		for _, entry := range mem.Context {
			builder.WriteString(fmt.Sprintf("[%s] %s\n", entry.Key, entry.Value))
		}
	}

	builder.WriteString("\n## Available tools\n")
	builder.WriteString(toolSet.Catalog())

	if transcript != "" {
		builder.WriteString("\n## Tool results so far\n")
		builder.WriteString(transcript)
	}

	builder.WriteString("\nRespond strictly in JSON with exactly one of: ")
	builder.WriteString(`{"tool": "<name>", "arguments": {...}} to call a tool, or {"final": "<answer>"} when done.`)
	return builder.String()
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(encoded)
}
