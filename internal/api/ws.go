package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/internal/orchestrator"
	"CryptoPilot/internal/session"
	"CryptoPilot/pkg/logger"
)

type wsUpgrader = websocket.Upgrader

func newUpgrader() wsUpgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// 鉴权由部署层处理，这里允许任意来源。
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// chatRequest 是 /ws/chat 上单轮对话的入站消息。
type chatRequest struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
}

// handleChat 在一条 websocket 连接上处理多轮对话。
// 每轮顺序执行：入站一条消息，出站若干 chunk 事件与一条 final/error 事件。
// 对端断开时取消上下文，放弃进行中的运行。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "编排服务未初始化", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("websocket 升级失败", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan chatRequest)
	go func() {
		defer cancel()
		defer close(requests)
		for {
			var req chatRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			s.serveChatTurn(ctx, conn, req)
		}
	}
}

func (s *Server) serveChatTurn(ctx context.Context, conn *websocket.Conn, req chatRequest) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ThreadID) == "" {
		_ = conn.WriteJSON(orchestrator.Event{
			Type:     orchestrator.EventError,
			ThreadID: req.ThreadID,
			Message:  "user_id 与 thread_id 不能为空",
		})
		return
	}

	emit := func(event orchestrator.Event) {
		if err := conn.WriteJSON(event); err != nil {
			logger.L().Warn("websocket 推送失败",
				"thread_id", req.ThreadID, "type", string(event.Type), "error", err)
		}
	}

	if _, err := s.orch.HandleTurn(ctx, req.UserID, req.ThreadID, req.Message, emit); err != nil {
		// 运行错误已经以事件形式推送；持久化失败发生在 final 事件之后，
		// 这里补发一条错误事件，告知对端本轮结果未写入会话记忆。
		if xerrors.CodeOf(err) == session.CodeMemoryStore {
			emit(orchestrator.Event{
				Type:     orchestrator.EventError,
				ThreadID: req.ThreadID,
				Message:  err.Error(),
			})
		}
		logger.L().Warn("对话轮次失败",
			"user_id", req.UserID, "thread_id", req.ThreadID, "error", err)
	}
}
