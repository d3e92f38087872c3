package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"CryptoPilot/internal/llm"
	"CryptoPilot/internal/report"
	"CryptoPilot/internal/session"
)

func newTestServer(t *testing.T) (*Server, session.Store) {
	t.Helper()
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("创建会话存储失败: %v", err)
	}
	reports := report.NewGenerator(llm.CompleteFunc(func(context.Context, string) (string, error) {
		return "```markdown\n# Report\n```", nil
	}))
	return NewServer(":0", nil, store, reports), store
}

func seedThread(t *testing.T, store session.Store) {
	t.Helper()
	err := store.Update(context.Background(), "u1", "t1", "BTC 多少钱", "65000 美元", session.Turn{
		UserQuery:     "BTC 多少钱",
		FinalResponse: "65000 美元",
		Timestamp:     100,
	})
	if err != nil {
		t.Fatalf("预置线程失败: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，得到 %d", resp.StatusCode)
	}
}

func TestListAndGetThread(t *testing.T) {
	server, store := newTestServer(t)
	seedThread(t, store)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/threads/u1")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	var listing struct {
		Threads []session.ThreadInfo `json:"threads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(listing.Threads) != 1 || listing.Threads[0].ThreadID != "t1" {
		t.Fatalf("线程列表不正确: %+v", listing.Threads)
	}

	detail, err := http.Get(ts.URL + "/api/v1/threads/u1/t1")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer detail.Body.Close()

	var memory session.Memory
	if err := json.NewDecoder(detail.Body).Decode(&memory); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(memory.RawTurns) != 1 || memory.RawTurns[0].FinalResponse != "65000 美元" {
		t.Fatalf("线程历史不正确: %+v", memory.RawTurns)
	}
}

func TestGetMissingThreadReturns404(t *testing.T) {
	server, _ := newTestServer(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/threads/u1/none")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 404，得到 %d", resp.StatusCode)
	}
}

func TestDeleteThread(t *testing.T) {
	server, store := newTestServer(t)
	seedThread(t, store)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/threads/u1/t1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，得到 %d", resp.StatusCode)
	}

	check, err := http.Get(ts.URL + "/api/v1/threads/u1/t1")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer check.Body.Close()
	if check.StatusCode != http.StatusNotFound {
		t.Fatalf("删除后应当 404，得到 %d", check.StatusCode)
	}
}

func TestThreadReportStripsCodeFence(t *testing.T) {
	server, store := newTestServer(t)
	seedThread(t, store)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/threads/u1/t1/report")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if payload["report"] != "# Report" {
		t.Fatalf("报告应当去掉代码围栏: %q", payload["report"])
	}
}
