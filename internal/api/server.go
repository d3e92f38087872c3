package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"time"

	"CryptoPilot/internal/orchestrator"
	"CryptoPilot/internal/report"
	"CryptoPilot/internal/session"
	"CryptoPilot/pkg/logger"
)

// Server 暴露会话线程的 REST 接口与对话 websocket。
type Server struct {
	addr     string
	orch     *orchestrator.Service
	store    session.Store
	reports  *report.Generator
	upgrader wsUpgrader
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Service, store session.Store, reports *report.Generator) *Server {
	return &Server{
		addr:     addr,
		orch:     orch,
		store:    store,
		reports:  reports,
		upgrader: newUpgrader(),
	}
}

// routes 注册全部 REST 与 websocket 路由。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/threads/{user}", s.handleListThreads)
	mux.HandleFunc("GET /api/v1/threads/{user}/{thread}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/v1/threads/{user}/{thread}", s.handleDeleteThread)
	mux.HandleFunc("GET /api/v1/threads/{user}/{thread}/report", s.handleThreadReport)
	mux.HandleFunc("/ws/chat", s.handleChat)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "会话存储未初始化", http.StatusServiceUnavailable)
		return
	}
	infos, err := s.store.ListThreads(r.Context(), r.PathValue("user"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": infos})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "会话存储未初始化", http.StatusServiceUnavailable)
		return
	}
	memory, err := s.store.Get(r.Context(), r.PathValue("user"), r.PathValue("thread"))
	if err != nil {
		if stdErrors.Is(err, session.ErrThreadNotFound) {
			http.Error(w, "线程不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "会话存储未初始化", http.StatusServiceUnavailable)
		return
	}
	err := s.store.Delete(r.Context(), r.PathValue("user"), r.PathValue("thread"))
	if err != nil {
		if stdErrors.Is(err, session.ErrThreadNotFound) {
			http.Error(w, "线程不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleThreadReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.reports == nil {
		http.Error(w, "报告生成未初始化", http.StatusServiceUnavailable)
		return
	}
	threadID := r.PathValue("thread")
	memory, err := s.store.Get(r.Context(), r.PathValue("user"), threadID)
	if err != nil {
		if stdErrors.Is(err, session.ErrThreadNotFound) {
			http.Error(w, "线程不存在", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	markdown, err := s.reports.Generate(r.Context(), threadID, memory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": threadID, "report": markdown})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merged, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-merged.Done():
			}
		}()
		handler.ServeHTTP(w, r.WithContext(merged))
	})
}
