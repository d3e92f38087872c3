package session

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "CryptoPilot/internal/errors"
)

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 把每个线程的记忆保存为 JSON 字符串，
// 并用每用户一个 set 维护线程索引以支持列表查询。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 会话存储。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cryptopilot:session"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) threadKey(userID, threadID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, userID, threadID)
}

func (s *RedisStore) indexKey(userID string) string {
	return fmt.Sprintf("%s:index:%s", s.prefix, userID)
}

// Get 读取线程记忆。
func (s *RedisStore) Get(ctx context.Context, userID, threadID string) (*Memory, error) {
	raw, err := s.client.Get(ctx, s.threadKey(userID, threadID)).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrThreadNotFound
		}
		return nil, xerrors.Wrap(CodeMemoryStore, err, "读取会话线程失败")
	}
	var memory Memory
	if err := json.Unmarshal([]byte(raw), &memory); err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "解析会话线程失败")
	}
	return &memory, nil
}

// Update 通过 WATCH 做乐观的读改写，并发冲突时有限重试。
func (s *RedisStore) Update(ctx context.Context, userID, threadID, requestDelta, responseDelta string, turn Turn) error {
	key := s.threadKey(userID, threadID)

	apply := func(tx *redis.Tx) error {
		var memory Memory
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case stdErrors.Is(err, redis.Nil):
			// 线程不存在，从空记忆开始。
		case err != nil:
			return xerrors.Wrap(CodeMemoryStore, err, "读取会话线程失败")
		default:
			if decodeErr := json.Unmarshal([]byte(raw), &memory); decodeErr != nil {
				return xerrors.Wrap(CodeMemoryStore, decodeErr, "解析会话线程失败")
			}
		}

		memory.applyTurn(requestDelta, responseDelta, turn, time.Now().Unix())

		encoded, err := json.Marshal(&memory)
		if err != nil {
			return xerrors.Wrap(CodeMemoryStore, err, "序列化会话线程失败")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(encoded), 0)
			pipe.SAdd(ctx, s.indexKey(userID), threadID)
			return nil
		})
		return err
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.client.Watch(ctx, apply, key)
		if err == nil {
			return nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return xerrors.Wrap(CodeMemoryStore, err, "更新会话线程失败")
	}
	return xerrors.New(CodeMemoryStore, "更新会话线程冲突重试耗尽")
}

// Delete 删除线程并从用户索引中移除。
func (s *RedisStore) Delete(ctx context.Context, userID, threadID string) error {
	removed, err := s.client.Del(ctx, s.threadKey(userID, threadID)).Result()
	if err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "删除会话线程失败")
	}
	if removed == 0 {
		return ErrThreadNotFound
	}
	if err := s.client.SRem(ctx, s.indexKey(userID), threadID).Err(); err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "更新会话线程索引失败")
	}
	return nil
}

// ListThreads 返回用户全部线程，按最后更新时间降序。
func (s *RedisStore) ListThreads(ctx context.Context, userID string) ([]ThreadInfo, error) {
	threadIDs, err := s.client.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "读取会话线程索引失败")
	}

	infos := make([]ThreadInfo, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		memory, err := s.Get(ctx, userID, threadID)
		if err != nil {
			if stdErrors.Is(err, ErrThreadNotFound) {
				// 索引残留，顺手清理。
				_ = s.client.SRem(ctx, s.indexKey(userID), threadID).Err()
				continue
			}
			return nil, err
		}
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

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
