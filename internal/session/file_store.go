package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "CryptoPilot/internal/errors"
)

// FileStore 将全部会话记忆保存在单个 JSON 文件中。
// 文件布局为 {user_id: {thread_id: Memory}}，每次更新整文件读改写，
// 由互斥锁保证单进程内的原子性，写入通过临时文件加重命名落盘。
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore 创建文件存储。父目录不存在时自动创建。
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "创建会话目录失败")
	}
	return &FileStore{path: path}, nil
}

// Get 读取线程记忆。
func (s *FileStore) Get(_ context.Context, userID, threadID string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	threads, ok := data[userID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	memory, ok := threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return memory.clone(), nil
}

// Update 追加一轮对话，线程不存在时创建。
func (s *FileStore) Update(_ context.Context, userID, threadID, requestDelta, responseDelta string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	threads, ok := data[userID]
	if !ok {
		threads = make(map[string]*Memory)
		data[userID] = threads
	}
	memory, ok := threads[threadID]
	if !ok {
		memory = &Memory{}
		threads[threadID] = memory
	}
	memory.applyTurn(requestDelta, responseDelta, turn, time.Now().Unix())

	return s.save(data)
}

// Delete 删除线程。用户没有剩余线程时一并清理用户条目。
func (s *FileStore) Delete(_ context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	threads, ok := data[userID]
	if !ok {
		return ErrThreadNotFound
	}
	if _, ok := threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	delete(threads, threadID)
	if len(threads) == 0 {
		delete(data, userID)
	}
	return s.save(data)
}

// ListThreads 返回用户的全部线程，按最后更新时间降序。
func (s *FileStore) ListThreads(_ context.Context, userID string) ([]ThreadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	threads := data[userID]
	infos := make([]ThreadInfo, 0, len(threads))
	for threadID, memory := range threads {
		infos = append(infos, ThreadInfo{
			ThreadID:        threadID,
			RequestSummary:  memory.RequestSummary,
			ResponseSummary: memory.ResponseSummary,
			LastUpdated:     memory.LastUpdated,
			TurnCount:       len(memory.RawTurns),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastUpdated != infos[j].LastUpdated {
			return infos[i].LastUpdated > infos[j].LastUpdated
		}
		return infos[i].ThreadID < infos[j].ThreadID
	})
	return infos, nil
}

// Close 实现 Store 接口，文件存储无需释放资源。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (map[string]map[string]*Memory, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]map[string]*Memory), nil
		}
		return nil, xerrors.Wrap(CodeMemoryStore, err, "读取会话文件失败")
	}
	if len(raw) == 0 {
		return make(map[string]map[string]*Memory), nil
	}
	var data map[string]map[string]*Memory
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "解析会话文件失败")
	}
	if data == nil {
		data = make(map[string]map[string]*Memory)
	}
	return data, nil
}

func (s *FileStore) save(data map[string]map[string]*Memory) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "序列化会话数据失败")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "写入会话临时文件失败")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "替换会话文件失败")
	}
	return nil
}

var _ Store = (*FileStore)(nil)
