package handler

import (
	"context"
	"testing"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/run"
	"CryptoPilot/internal/tool"
)

// scriptedClient 按顺序返回预置的回复。
type scriptedClient struct {
	replies []string
	calls   int
}

func (c *scriptedClient) Complete(context.Context, string) (string, error) {
	if c.calls >= len(c.replies) {
		return `{"final": "没有更多回复"}`, nil
	}
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

func priceTool(response string) tool.Provider {
	return tool.NewStaticProvider(tool.NewSet(&tool.Func{
		ToolName:        "get_price",
		ToolDescription: "查询现价",
		Fn: func(context.Context, map[string]any) (string, error) {
			return response, nil
		},
	}))
}

func memoryWithTask(t *testing.T, handlerName, task string) *run.Memory {
	t.Helper()
	mem := run.NewMemory("用户问题", "")
	if err := mem.RecordDecision(handlerName, "测试", task); err != nil {
		t.Fatalf("记录决策失败: %v", err)
	}
	return mem
}

func TestExecuteNoOpWithoutPendingTask(t *testing.T) {
	client := &scriptedClient{}
	h := New(client, Config{Name: "finance", Tools: priceTool("65000")})

	mem := run.NewMemory("q", "")
	if err := h.Execute(context.Background(), mem); err != nil {
		t.Fatalf("无任务时应当直接返回: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("无任务时不应调用推理引擎")
	}
	if len(mem.HandlerResults) != 0 {
		t.Fatalf("无任务时不应记录结果")
	}
}

func TestExecuteToolLoopRecordsResult(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"tool": "get_price", "arguments": {"symbol": "BTC"}}`,
		`{"final": "BTC 现价 65000 美元"}`,
	}}
	h := New(client, Config{Name: "finance", Tools: priceTool(`{"symbol": "BTC", "price": 65000}`)})

	mem := memoryWithTask(t, "finance", "查询 BTC 现价")
	if err := h.Execute(context.Background(), mem); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	if len(mem.HandlerResults) != 1 {
		t.Fatalf("期望 1 条处理器结果，得到 %d", len(mem.HandlerResults))
	}
	result := mem.HandlerResults[0]
	if result.OutputText != "BTC 现价 65000 美元" {
		t.Fatalf("最终输出不正确: %q", result.OutputText)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "get_price" {
		t.Fatalf("工具调用记录不正确: %+v", result.ToolCalls)
	}
	if result.ToolCalls[0].ID == "" {
		t.Fatalf("工具调用应当有关联 ID")
	}
	if _, ok := mem.PendingTask(); ok {
		t.Fatalf("执行完成后应当清除待执行任务")
	}
	if key := mem.Context[0].Key; key != "finance_step1" {
		t.Fatalf("上下文键不正确: %q", key)
	}
}

func TestExecutePlainTextTreatedAsFinal(t *testing.T) {
	client := &scriptedClient{replies: []string{"直接给出的文字回答"}}
	h := New(client, Config{Name: "websearch", Tools: nil})

	mem := memoryWithTask(t, "websearch", "搜索新闻")
	if err := h.Execute(context.Background(), mem); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if mem.HandlerResults[0].OutputText != "直接给出的文字回答" {
		t.Fatalf("非结构化输出应按最终回答处理: %q", mem.HandlerResults[0].OutputText)
	}
}

func TestExecuteEnforcesToolCallLimit(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"tool": "get_price", "arguments": {}}`,
		`{"tool": "get_price", "arguments": {}}`,
		`{"tool": "get_price", "arguments": {}}`,
	}}
	h := New(client, Config{Name: "finance", Tools: priceTool("ok"), MaxToolCalls: 2})

	mem := memoryWithTask(t, "finance", "任务")
	err := h.Execute(context.Background(), mem)
	if err == nil {
		t.Fatalf("超过工具调用上限应当报错")
	}
	if xerrors.CodeOf(err) != CodeHandlerExecution {
		t.Fatalf("错误码不正确: %s", xerrors.CodeOf(err))
	}
}

func TestExecuteUnknownToolFails(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"tool": "not_there", "arguments": {}}`}}
	h := New(client, Config{Name: "finance", Tools: priceTool("ok")})

	mem := memoryWithTask(t, "finance", "任务")
	if err := h.Execute(context.Background(), mem); err == nil {
		t.Fatalf("调用未知工具应当报错")
	}
}

func TestTradeHandlerRecordsConfirmedTrade(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"tool": "buy_crypto", "arguments": {"symbol": "BTC", "quantity": 0.1}}`,
		`{"final": "已买入 0.1 BTC"}`,
	}}
	buyTool := tool.NewStaticProvider(tool.NewSet(&tool.Func{
		ToolName:        "buy_crypto",
		ToolDescription: "买入",
		Fn: func(context.Context, map[string]any) (string, error) {
			return `{"status": "success", "trade_id": "T-100", "execution_price": 65000, "total_value": 6500}`, nil
		},
	}))
	h := New(client, Config{Name: "trade", Tools: buyTool, RecordTrades: true})

	mem := memoryWithTask(t, "trade", "买入 0.1 BTC")
	if err := h.Execute(context.Background(), mem); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	if len(mem.TradeLog) != 1 {
		t.Fatalf("期望 1 笔交易记录，得到 %d", len(mem.TradeLog))
	}
	trade := mem.TradeLog[0]
	if trade.TradeID != "T-100" || trade.Side != run.SideBuy || trade.Symbol != "BTC" {
		t.Fatalf("交易记录不正确: %+v", trade)
	}
	if trade.Quantity != 0.1 || trade.ExecutionPrice != 65000 || trade.TotalValue != 6500 {
		t.Fatalf("交易数值不正确: %+v", trade)
	}
	if trade.Reason != "买入 0.1 BTC" {
		t.Fatalf("交易原因应当取自当前任务: %q", trade.Reason)
	}
}

func TestTradeHandlerSkipsMalformedConfirmation(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"tool": "sell_crypto", "arguments": {"symbol": "ETH", "quantity": 2}}`,
		`{"final": "卖出失败"}`,
	}}
	sellTool := tool.NewStaticProvider(tool.NewSet(&tool.Func{
		ToolName:        "sell_crypto",
		ToolDescription: "卖出",
		Fn: func(context.Context, map[string]any) (string, error) {
			return "not a json payload", nil
		},
	}))
	h := New(client, Config{Name: "trade", Tools: sellTool, RecordTrades: true})

	mem := memoryWithTask(t, "trade", "卖出 2 ETH")
	if err := h.Execute(context.Background(), mem); err != nil {
		t.Fatalf("确认解析失败不应使执行中断: %v", err)
	}
	if len(mem.TradeLog) != 0 {
		t.Fatalf("无法解析的确认不应写入交易日志")
	}
	if len(mem.HandlerResults) != 1 {
		t.Fatalf("处理器结果仍应记录")
	}
}

func TestTradeHandlerIgnoresNonSuccessStatus(t *testing.T) {
	client := &scriptedClient{replies: []string{
		`{"tool": "buy_crypto", "arguments": {"symbol": "BTC", "quantity": 1}}`,
		`{"final": "余额不足"}`,
	}}
	buyTool := tool.NewStaticProvider(tool.NewSet(&tool.Func{
		ToolName:        "buy_crypto",
		ToolDescription: "买入",
		Fn: func(context.Context, map[string]any) (string, error) {
			return `{"status": "rejected", "reason": "insufficient funds"}`, nil
		},
	}))
	h := New(client, Config{Name: "trade", Tools: buyTool, RecordTrades: true})

	mem := memoryWithTask(t, "trade", "买入 1 BTC")
	if err := h.Execute(context.Background(), mem); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if len(mem.TradeLog) != 0 {
		t.Fatalf("非成功状态不应写入交易日志")
	}
}
