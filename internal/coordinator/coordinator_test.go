package coordinator

import (
	"context"
	"strings"
	"testing"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/run"
)

func stubClient(response string) llm.Client {
	return llm.CompleteFunc(func(context.Context, string) (string, error) {
		return response, nil
	})
}

func TestDecideParsesStrictJSON(t *testing.T) {
	coord := New(stubClient(`{"selected_agent": "finance", "task": "查询 BTC 价格", "reasoning": "需要行情"}`), nil)

	choice, err := coord.Decide(context.Background(), run.NewMemory("BTC 现在多少钱", ""))
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if choice.Selected != "finance" || choice.Task != "查询 BTC 价格" {
		t.Fatalf("决策内容不正确: %+v", choice)
	}
	if choice.Finish() {
		t.Fatalf("非 FINISH 决策不应结束")
	}
}

func TestDecideRecoversFromWrappedJSON(t *testing.T) {
	raw := `好的，我的决定如下 {"selected_agent": "trade", "task": "买入 0.1 BTC", "reasoning": "用户要求"} 以上`
	coord := New(stubClient(raw), nil)

	choice, err := coord.Decide(context.Background(), run.NewMemory("买 0.1 BTC", ""))
	if err != nil {
		t.Fatalf("带噪声的 JSON 应当恢复成功: %v", err)
	}
	if choice.Selected != "trade" {
		t.Fatalf("恢复解析结果不正确: %+v", choice)
	}
}

func TestDecideFailsOnGarbage(t *testing.T) {
	coord := New(stubClient("完全不是 JSON 的输出"), nil)

	_, err := coord.Decide(context.Background(), run.NewMemory("q", ""))
	if err == nil {
		t.Fatalf("无法解析的输出应当报错")
	}
	if xerrors.CodeOf(err) != CodeDecisionParse {
		t.Fatalf("错误码不正确: %s", xerrors.CodeOf(err))
	}
}

func TestDecideNormalizesObjectTask(t *testing.T) {
	coord := New(stubClient(`{"selected_agent": "finance", "task": {"symbol": "BTC"}, "reasoning": ""}`), nil)

	choice, err := coord.Decide(context.Background(), run.NewMemory("q", ""))
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if !strings.Contains(choice.Task, `"symbol"`) {
		t.Fatalf("结构化任务应当序列化为 JSON 文本: %q", choice.Task)
	}
}

func TestDecideNullTaskBecomesEmpty(t *testing.T) {
	coord := New(stubClient(`{"selected_agent": "FINISH", "task": null, "reasoning": "信息足够"}`), nil)

	choice, err := coord.Decide(context.Background(), run.NewMemory("q", ""))
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if !choice.Finish() {
		t.Fatalf("FINISH 决策应当结束运行")
	}
	if choice.Task != "" {
		t.Fatalf("null 任务应当归一为空串: %q", choice.Task)
	}
}

func TestSynthesizeTrimsOutput(t *testing.T) {
	coord := New(stubClient("  最终回答  \n"), nil)

	answer, err := coord.Synthesize(context.Background(), run.NewMemory("q", ""))
	if err != nil {
		t.Fatalf("合成失败: %v", err)
	}
	if answer != "最终回答" {
		t.Fatalf("合成输出未去除空白: %q", answer)
	}
}

func TestDecisionPromptContainsCatalogAndContext(t *testing.T) {
	var captured string
	client := llm.CompleteFunc(func(_ context.Context, prompt string) (string, error) {
		captured = prompt
		return `{"selected_agent": "FINISH", "task": "", "reasoning": ""}`, nil
	})
	coord := New(client, []HandlerInfo{{Name: "finance", Capability: "行情查询"}})

	mem := run.NewMemory("BTC 多少钱", "")
	mem.RecordHandlerResult("finance", run.HandlerResult{HandlerName: "finance", OutputText: "BTC=65000"})

	if _, err := coord.Decide(context.Background(), mem); err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	if !strings.Contains(captured, "finance: 行情查询") {
		t.Fatalf("提示词缺少处理器目录: %s", captured)
	}
	if !strings.Contains(captured, "[finance_step1] BTC=65000") {
		t.Fatalf("提示词缺少累积上下文: %s", captured)
	}
}
