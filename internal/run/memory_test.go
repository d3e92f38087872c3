package run

import (
	"testing"
)

func TestRecordDecisionAssignsMonotonicSteps(t *testing.T) {
	mem := NewMemory("查询比特币价格", "")

	if err := mem.RecordDecision("finance", "需要行情数据", "查询 BTC 现价"); err != nil {
		t.Fatalf("记录决策失败: %v", err)
	}
	if err := mem.RecordDecision("trade", "执行买入", "买入 0.1 BTC"); err != nil {
		t.Fatalf("记录决策失败: %v", err)
	}

	if len(mem.Decisions) != 2 {
		t.Fatalf("期望 2 条决策，得到 %d", len(mem.Decisions))
	}
	if mem.Decisions[0].Step != 1 || mem.Decisions[1].Step != 2 {
		t.Fatalf("决策步骤编号不单调: %d, %d", mem.Decisions[0].Step, mem.Decisions[1].Step)
	}

	task, ok := mem.PendingTask()
	if !ok || task != "买入 0.1 BTC" {
		t.Fatalf("待执行任务不正确: %q, ok=%v", task, ok)
	}
}

func TestRecordDecisionRejectsEmptyHandler(t *testing.T) {
	mem := NewMemory("q", "")
	if err := mem.RecordDecision("", "r", "t"); err == nil {
		t.Fatalf("空处理器名称应当报错")
	}
}

func TestRecordDecisionAfterFinishFails(t *testing.T) {
	mem := NewMemory("q", "")
	mem.Finish("done")
	if err := mem.RecordDecision("finance", "r", "t"); err == nil {
		t.Fatalf("运行结束后追加决策应当报错")
	}
}

func TestContextKeysCountPerHandler(t *testing.T) {
	mem := NewMemory("q", "")

	for i := 0; i < 3; i++ {
		mem.RecordHandlerResult("finance", HandlerResult{
			HandlerName: "finance",
			OutputText:  "output",
		})
	}
	mem.RecordHandlerResult("sentiment", HandlerResult{
		HandlerName: "sentiment",
		OutputText:  "news",
	})

	wantKeys := []string{"finance_step1", "finance_step2", "finance_step3", "sentiment_step1"}
	if len(mem.Context) != len(wantKeys) {
		t.Fatalf("期望 %d 条上下文，得到 %d", len(wantKeys), len(mem.Context))
	}
	for i, want := range wantKeys {
		if mem.Context[i].Key != want {
			t.Fatalf("第 %d 个上下文键为 %q，期望 %q", i, mem.Context[i].Key, want)
		}
	}
}

func TestFinishClearsPendingTask(t *testing.T) {
	mem := NewMemory("q", "")
	if err := mem.RecordDecision("finance", "r", "子任务"); err != nil {
		t.Fatalf("记录决策失败: %v", err)
	}

	mem.Finish("最终回答")

	if !mem.Finished() {
		t.Fatalf("Finish 后运行应当结束")
	}
	if _, ok := mem.PendingTask(); ok {
		t.Fatalf("Finish 后不应有待执行任务")
	}
	if *mem.FinalOutput != "最终回答" {
		t.Fatalf("最终输出不正确: %q", *mem.FinalOutput)
	}
}

func TestAppendTradeDefaultsTimestamp(t *testing.T) {
	mem := NewMemory("q", "")
	mem.AppendTrade(TradeRecord{TradeID: "t-1", Symbol: "BTC", Side: SideBuy, Quantity: 0.5})

	if len(mem.TradeLog) != 1 {
		t.Fatalf("期望 1 笔交易，得到 %d", len(mem.TradeLog))
	}
	if mem.TradeLog[0].Timestamp == 0 {
		t.Fatalf("交易时间戳应当自动填充")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	mem := NewMemory("q", "")
	mem.RecordHandlerResult("finance", HandlerResult{
		HandlerName: "finance",
		OutputText:  "v1",
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "get_price", Arguments: map[string]any{"symbol": "BTC"}, Response: "ok"},
		},
	})

	snap := mem.Snapshot()
	mem.Context[0].Value = "changed"
	mem.HandlerResults[0].ToolCalls[0].Arguments["symbol"] = "ETH"

	if snap.Context[0].Value != "v1" {
		t.Fatalf("快照上下文被原对象修改影响")
	}
	if snap.HandlerResults[0].ToolCalls[0].Arguments["symbol"] != "BTC" {
		t.Fatalf("快照工具参数被原对象修改影响")
	}
}
