package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/graph"
	"CryptoPilot/internal/observability/alerting"
	"CryptoPilot/internal/run"
	"CryptoPilot/internal/session"
)

// stubRunner 直接完成运行，或返回预置错误。
type stubRunner struct {
	answer string
	err    error
	seen   *run.Memory
}

func (r *stubRunner) Run(_ context.Context, mem *run.Memory, observe graph.Observer) error {
	r.seen = mem
	if r.err != nil {
		return r.err
	}
	if observe != nil {
		observe(mem.Snapshot())
	}
	mem.Finish(r.answer)
	if observe != nil {
		observe(mem.Snapshot())
	}
	return nil
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func newFileStore(t *testing.T) session.Store {
	t.Helper()
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("创建会话存储失败: %v", err)
	}
	return store
}

func TestHandleTurnEmitsEventsAndPersists(t *testing.T) {
	store := newFileStore(t)
	svc := NewService(&stubRunner{answer: "最终回答"}, store)

	var events []Event
	mem, err := svc.HandleTurn(context.Background(), "u1", "t1", "BTC 多少钱", func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("处理轮次失败: %v", err)
	}
	if mem.RunID == "" {
		t.Fatalf("运行应当有 uuid 标识")
	}
	if mem.UserQuery != "BTC 多少钱" {
		t.Fatalf("用户问题不正确: %q", mem.UserQuery)
	}

	var chunks int
	var final *Event
	for i := range events {
		switch events[i].Type {
		case EventChunk:
			chunks++
		case EventFinal:
			final = &events[i]
		case EventError:
			t.Fatalf("不应出现错误事件: %+v", events[i])
		}
	}
	if chunks == 0 {
		t.Fatalf("应当推送 chunk 事件")
	}
	if final == nil || final.Message != "最终回答" {
		t.Fatalf("final 事件不正确: %+v", final)
	}

	memory, err := store.Get(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("读取会话记忆失败: %v", err)
	}
	if len(memory.RawTurns) != 1 || memory.RawTurns[0].FinalResponse != "最终回答" {
		t.Fatalf("轮次未正确持久化: %+v", memory.RawTurns)
	}
	if memory.RequestSummary != "BTC 多少钱" {
		t.Fatalf("请求摘要不正确: %q", memory.RequestSummary)
	}
}

func TestHandleTurnSeedsSummariesFromSession(t *testing.T) {
	store := newFileStore(t)
	_ = store.Update(context.Background(), "u1", "t1", "第一问", "第一答", session.Turn{UserQuery: "第一问"})

	runner := &stubRunner{answer: "ok"}
	svc := NewService(runner, store)

	if _, err := svc.HandleTurn(context.Background(), "u1", "t1", "第二问", nil); err != nil {
		t.Fatalf("处理轮次失败: %v", err)
	}
	if runner.seen.RequestSummary != "第一问" || runner.seen.ResponseSummary != "第一答" {
		t.Fatalf("历史摘要未注入工作内存: %+v", runner.seen)
	}
}

func TestHandleTurnEmitsErrorAndAlertsOnRunFailure(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	runErr := xerrors.New(xerrors.CodeUnknown, "运行炸了")
	svc := NewService(&stubRunner{err: runErr}, newFileStore(t), WithAlerts(dispatcher))

	var errorEvents int
	_, err := svc.HandleTurn(context.Background(), "u1", "t1", "q", func(e Event) {
		if e.Type == EventError {
			errorEvents++
		}
	})
	if err == nil {
		t.Fatalf("运行失败应当返回错误")
	}
	if errorEvents != 1 {
		t.Fatalf("应当推送 1 次错误事件，得到 %d", errorEvents)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("致命错误应当触发告警，得到 %d 条", len(dispatcher.events))
	}
}

type failingStore struct {
	session.Store
}

func (failingStore) Get(context.Context, string, string) (*session.Memory, error) {
	return nil, session.ErrThreadNotFound
}

func (failingStore) Update(context.Context, string, string, string, string, session.Turn) error {
	return xerrors.New(session.CodeMemoryStore, "磁盘满了")
}

func TestHandleTurnSurfacesStoreFailureButReturnsResult(t *testing.T) {
	svc := NewService(&stubRunner{answer: "答案"}, failingStore{})

	var finalSeen bool
	mem, err := svc.HandleTurn(context.Background(), "u1", "t1", "q", func(e Event) {
		if e.Type == EventFinal {
			finalSeen = true
		}
	})
	if mem == nil || !mem.Finished() {
		t.Fatalf("存储失败时运行结果仍应返回")
	}
	if !finalSeen {
		t.Fatalf("存储失败时 final 事件仍应推送")
	}
	if err == nil || xerrors.CodeOf(err) != session.CodeMemoryStore {
		t.Fatalf("存储失败应当以 MEMORY_STORE_FAILURE 暴露: %v", err)
	}
}

func TestHandleTurnRejectsEmptyMessage(t *testing.T) {
	svc := NewService(&stubRunner{answer: "x"}, nil)
	if _, err := svc.HandleTurn(context.Background(), "u1", "t1", "   ", nil); err == nil {
		t.Fatalf("空消息应当被拒绝")
	}
}
