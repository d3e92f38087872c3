package api

import (
	"context"
	stdErrors "errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"CryptoPilot/internal/graph"
	"CryptoPilot/internal/orchestrator"
	"CryptoPilot/internal/run"
	"CryptoPilot/internal/session"
)

// fixedRunner 直接产出最终回答，模拟一次成功的运行。
type fixedRunner struct{ answer string }

func (r *fixedRunner) Run(_ context.Context, mem *run.Memory, observe graph.Observer) error {
	mem.Finish(r.answer)
	if observe != nil {
		observe(mem.Snapshot())
	}
	return nil
}

// brokenStore 读取表现为空存储，写入必定失败。
type brokenStore struct{ session.Store }

func (brokenStore) Get(context.Context, string, string) (*session.Memory, error) {
	return nil, session.ErrThreadNotFound
}

func (brokenStore) Update(context.Context, string, string, string, string, session.Turn) error {
	return stdErrors.New("磁盘写入失败")
}

func dialChat(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket 连接失败: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestChatTurnEmitsChunkThenFinal(t *testing.T) {
	svc := orchestrator.NewService(&fixedRunner{answer: "最终回答"}, nil)
	server := NewServer(":0", svc, nil, nil)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	conn := dialChat(t, ts)
	if err := conn.WriteJSON(map[string]string{
		"thread_id": "t1", "user_id": "u1", "message": "BTC 多少钱",
	}); err != nil {
		t.Fatalf("发送消息失败: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second orchestrator.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if first.Type != orchestrator.EventChunk || second.Type != orchestrator.EventFinal {
		t.Fatalf("事件顺序不正确: %s, %s", first.Type, second.Type)
	}
	if second.Message != "最终回答" {
		t.Fatalf("final 事件内容不正确: %q", second.Message)
	}
}

func TestChatTurnPersistFailureSurfacedToPeer(t *testing.T) {
	svc := orchestrator.NewService(&fixedRunner{answer: "最终回答"}, brokenStore{})
	server := NewServer(":0", svc, nil, nil)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	conn := dialChat(t, ts)
	if err := conn.WriteJSON(map[string]string{
		"thread_id": "t1", "user_id": "u1", "message": "BTC 多少钱",
	}); err != nil {
		t.Fatalf("发送消息失败: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sequence []orchestrator.EventType
	var failure orchestrator.Event
	for len(sequence) < 3 {
		var event orchestrator.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("读取事件失败: %v", err)
		}
		sequence = append(sequence, event.Type)
		if event.Type == orchestrator.EventError {
			failure = event
		}
	}
	if sequence[0] != orchestrator.EventChunk || sequence[1] != orchestrator.EventFinal {
		t.Fatalf("最终回答应当先于错误事件推送: %v", sequence)
	}
	if sequence[2] != orchestrator.EventError {
		t.Fatalf("持久化失败应当向对端推送错误事件: %v", sequence)
	}
	if failure.Message == "" {
		t.Fatalf("持久化失败的错误事件应当携带消息")
	}
}

func TestChatRejectsMissingIdentity(t *testing.T) {
	svc := orchestrator.NewService(&fixedRunner{answer: "x"}, nil)
	server := NewServer(":0", svc, nil, nil)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	conn := dialChat(t, ts)
	if err := conn.WriteJSON(map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("发送消息失败: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event orchestrator.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if event.Type != orchestrator.EventError {
		t.Fatalf("缺少身份信息应当返回错误事件: %s", event.Type)
	}
}
