package session

import (
	"context"
	"encoding/json"
	"errors"

	xerrors "CryptoPilot/internal/errors"
)

// CodeMemoryStore 表示跨会话记忆的持久化操作失败。
// 存储失败不影响本次运行的结果返回，但必须向调用方暴露。
const CodeMemoryStore xerrors.Code = "MEMORY_STORE_FAILURE"

func init() {
	xerrors.Register(CodeMemoryStore, xerrors.Attributes{
		Message:  "session memory store operation failed",
		Severity: xerrors.SeverityWarning,
		Fatal:    false,
		Alert:    true,
	})
}

// ErrThreadNotFound 表示指定的会话线程不存在。
var ErrThreadNotFound = errors.New("session: thread not found")

// Turn 记录一轮完整的问答：用户输入、最终运行状态与最终回答。
type Turn struct {
	UserQuery     string          `json:"user_query"`
	FinalState    json.RawMessage `json:"final_state,omitempty"`
	FinalResponse string          `json:"final_response"`
	Timestamp     int64           `json:"timestamp"`
}

// Memory 是单个会话线程的跨运行记忆。
// 摘要只追加不覆盖，RawTurns 按时间顺序保存全部轮次。
type Memory struct {
	RequestSummary  string `json:"request_summary"`
	ResponseSummary string `json:"response_summary"`
	RawTurns        []Turn `json:"raw_conversation"`
	LastUpdated     int64  `json:"last_updated"`
}

// ThreadInfo 是线程列表项。
type ThreadInfo struct {
	ThreadID        string `json:"thread_id"`
	RequestSummary  string `json:"request_summary"`
	ResponseSummary string `json:"response_summary"`
	LastUpdated     int64  `json:"last_updated"`
	TurnCount       int    `json:"turn_count"`
}

// Store 是跨会话记忆的持久化接口。
// Update 必须是原子的读改写：追加摘要增量与新轮次，并刷新 LastUpdated。
type Store interface {
	// Get 读取线程记忆，线程不存在时返回 ErrThreadNotFound。
	Get(ctx context.Context, userID, threadID string) (*Memory, error)
	// Update 追加一轮对话。线程不存在时创建。
	Update(ctx context.Context, userID, threadID, requestDelta, responseDelta string, turn Turn) error
	// Delete 删除线程。线程不存在时返回 ErrThreadNotFound。
	Delete(ctx context.Context, userID, threadID string) error
	// ListThreads 返回用户全部线程，按 LastUpdated 降序。
	ListThreads(ctx context.Context, userID string) ([]ThreadInfo, error)
	// Close 释放底层资源。
	Close() error
}

// appendSummary 把增量追加到既有摘要，用换行分隔，绝不覆盖。
func appendSummary(existing, delta string) string {
	if delta == "" {
		return existing
	}
	if existing == "" {
		return delta
	}
	return existing + "\n" + delta
}

// applyTurn 在内存表示上执行一次追加更新。
func (m *Memory) applyTurn(requestDelta, responseDelta string, turn Turn, now int64) {
	m.RequestSummary = appendSummary(m.RequestSummary, requestDelta)
	m.ResponseSummary = appendSummary(m.ResponseSummary, responseDelta)
	m.RawTurns = append(m.RawTurns, turn)
	m.LastUpdated = now
}

// clone 返回记忆的深拷贝，避免调用方持有存储内部状态。
func (m *Memory) clone() *Memory {
	if m == nil {
		return nil
	}
	copied := *m
	copied.RawTurns = make([]Turn, len(m.RawTurns))
	for i, turn := range m.RawTurns {
		turnCopy := turn
		turnCopy.FinalState = append(json.RawMessage(nil), turn.FinalState...)
		copied.RawTurns[i] = turnCopy
	}
	return &copied
}
