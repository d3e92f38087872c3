package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/graph"
	"CryptoPilot/internal/observability/alerting"
	"CryptoPilot/internal/profile"
	"CryptoPilot/internal/run"
	"CryptoPilot/internal/session"
	"CryptoPilot/pkg/logger"
)

// EventType 表示一次运行过程中推送给调用方的事件类型。
type EventType string

const (
	EventChunk EventType = "chunk"
	EventFinal EventType = "final"
	EventError EventType = "error"
)

// Event 是运行过程的流式事件。
// chunk 携带工作内存快照，final 携带最终回答，error 携带错误消息。
type Event struct {
	Type     EventType   `json:"type"`
	ThreadID string      `json:"thread_id"`
	State    *run.Memory `json:"state,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// Runner 是调度图在编排层暴露的能力，便于测试替换。
type Runner interface {
	Run(ctx context.Context, mem *run.Memory, observe graph.Observer) error
}

// Service 负责单轮对话的完整生命周期：
// 加载会话记忆、驱动调度图、推送事件、持久化本轮结果。
type Service struct {
	runner   Runner
	store    session.Store
	profiles profile.Provider
	alerts   alerting.Dispatcher
}

// Option 定义构建 Service 的可选配置。
type Option func(*Service)

// WithProfiles 注入用户画像提供方。
func WithProfiles(p profile.Provider) Option {
	return func(s *Service) { s.profiles = p }
}

// WithAlerts 注入告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// NewService 创建编排服务。
func NewService(runner Runner, store session.Store, opts ...Option) *Service {
	s := &Service{runner: runner, store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// HandleTurn 处理一轮对话并返回最终的工作内存。
// 持久化失败以 MEMORY_STORE_FAILURE 暴露，但运行结果仍然返回。
func (s *Service) HandleTurn(ctx context.Context, userID, threadID, message string, emit func(Event)) (*run.Memory, error) {
	if strings.TrimSpace(message) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户消息不能为空")
	}
	if emit == nil {
		emit = func(Event) {}
	}

	mem := s.newRunMemory(ctx, userID, threadID, message)
	log := logger.Named("orchestrator")
	log.Info("开始处理对话轮次",
		"run_id", mem.RunID, "user_id", userID, "thread_id", threadID)

	err := s.runner.Run(ctx, mem, func(snapshot *run.Memory) {
		emit(Event{Type: EventChunk, ThreadID: threadID, State: snapshot})
	})
	if err != nil {
		log.Error("运行失败",
			"run_id", mem.RunID, "user_id", userID, "thread_id", threadID,
			"code", string(xerrors.CodeOf(err)), "error", err)
		emit(Event{Type: EventError, ThreadID: threadID, Message: err.Error()})
		s.dispatchAlert(ctx, err, mem.RunID, userID, threadID)
		return nil, err
	}

	finalResponse := ""
	if mem.FinalOutput != nil {
		finalResponse = *mem.FinalOutput
	}

	persistErr := s.persistTurn(ctx, userID, threadID, message, finalResponse, mem)
	if persistErr != nil {
		log.Error("持久化会话记忆失败",
			"run_id", mem.RunID, "user_id", userID, "thread_id", threadID, "error", persistErr)
		s.dispatchAlert(ctx, persistErr, mem.RunID, userID, threadID)
	}

	emit(Event{Type: EventFinal, ThreadID: threadID, Message: finalResponse})
	logger.Audit().Info("对话轮次完成",
		"run_id", mem.RunID, "user_id", userID, "thread_id", threadID,
		"decisions", len(mem.Decisions), "trades", len(mem.TradeLog))
	return mem, persistErr
}

// newRunMemory 构建本轮运行的工作内存，带入历史摘要与用户画像。
func (s *Service) newRunMemory(ctx context.Context, userID, threadID, message string) *run.Memory {
	opts := []run.Option{run.WithRunID(uuid.NewString())}

	if s.store != nil {
		memory, err := s.store.Get(ctx, userID, threadID)
		switch {
		case err == nil:
			opts = append(opts, run.WithSummaries(memory.RequestSummary, memory.ResponseSummary))
		case stdErrors.Is(err, session.ErrThreadNotFound):
			// 新线程，从空记忆开始。
		default:
			logger.L().Warn("读取会话记忆失败，按新线程处理",
				"user_id", userID, "thread_id", threadID, "error", err)
		}
	}

	userDetail := ""
	if s.profiles != nil {
		if p, ok := s.profiles.Lookup(userID); ok {
			userDetail = p.Describe()
		}
	}
	return run.NewMemory(message, userDetail, opts...)
}

// persistTurn 把本轮结果写入会话存储。
func (s *Service) persistTurn(ctx context.Context, userID, threadID, message, finalResponse string, mem *run.Memory) error {
	if s.store == nil {
		return nil
	}

	state, err := json.Marshal(mem.Snapshot())
	if err != nil {
		return xerrors.Wrap(session.CodeMemoryStore, err, "序列化运行状态失败")
	}
	turn := session.Turn{
		UserQuery:     message,
		FinalState:    state,
		FinalResponse: finalResponse,
		Timestamp:     time.Now().Unix(),
	}
	if err := s.store.Update(ctx, userID, threadID, message, finalResponse, turn); err != nil {
		return xerrors.Wrap(session.CodeMemoryStore, err, "写入会话记忆失败")
	}
	return nil
}

func (s *Service) dispatchAlert(ctx context.Context, cause error, runID, userID, threadID string) {
	if s.alerts == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.FromRunError(cause, runID, userID, threadID)
	if err := s.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", "run_id", runID, "error", err)
	}
}
