package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "CryptoPilot/internal/errors"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化会话记忆，每个线程一行。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQL 会话存储并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS session_threads (
        user_id VARCHAR(128) NOT NULL,
        thread_id VARCHAR(128) NOT NULL,
        request_summary MEDIUMTEXT,
        response_summary MEDIUMTEXT,
        raw_turns LONGTEXT,
        last_updated BIGINT NOT NULL,
        PRIMARY KEY (user_id, thread_id),
        INDEX idx_session_user_updated (user_id, last_updated)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "初始化 session_threads 表失败")
	}
	return nil
}

// Get 读取线程记忆。
func (s *MySQLStore) Get(ctx context.Context, userID, threadID string) (*Memory, error) {
	const stmt = `SELECT request_summary, response_summary, raw_turns, last_updated
        FROM session_threads WHERE user_id = ? AND thread_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, userID, threadID)

	var memory Memory
	var rawTurns sql.NullString
	if err := row.Scan(&memory.RequestSummary, &memory.ResponseSummary, &rawTurns, &memory.LastUpdated); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, xerrors.Wrap(CodeMemoryStore, err, "查询会话线程失败")
	}

	if rawTurns.Valid && strings.TrimSpace(rawTurns.String) != "" {
		if err := json.Unmarshal([]byte(rawTurns.String), &memory.RawTurns); err != nil {
			return nil, xerrors.Wrap(CodeMemoryStore, err, "解析会话轮次失败")
		}
	}
	return &memory, nil
}

// Update 在事务内读改写，追加摘要与新轮次。
func (s *MySQLStore) Update(ctx context.Context, userID, threadID, requestDelta, responseDelta string, turn Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "开启会话事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const selectStmt = `SELECT request_summary, response_summary, raw_turns
        FROM session_threads WHERE user_id = ? AND thread_id = ? FOR UPDATE`

	var memory Memory
	var rawTurns sql.NullString
	err = tx.QueryRowContext(ctx, selectStmt, userID, threadID).
		Scan(&memory.RequestSummary, &memory.ResponseSummary, &rawTurns)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		// 线程不存在，走插入路径。
	case err != nil:
		return xerrors.Wrap(CodeMemoryStore, err, "锁定会话线程失败")
	default:
		if rawTurns.Valid && strings.TrimSpace(rawTurns.String) != "" {
			if decodeErr := json.Unmarshal([]byte(rawTurns.String), &memory.RawTurns); decodeErr != nil {
				return xerrors.Wrap(CodeMemoryStore, decodeErr, "解析会话轮次失败")
			}
		}
	}

	memory.applyTurn(requestDelta, responseDelta, turn, time.Now().Unix())

	encoded, err := json.Marshal(memory.RawTurns)
	if err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "序列化会话轮次失败")
	}

	const upsertStmt = `INSERT INTO session_threads
        (user_id, thread_id, request_summary, response_summary, raw_turns, last_updated)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        request_summary = VALUES(request_summary),
        response_summary = VALUES(response_summary),
        raw_turns = VALUES(raw_turns),
        last_updated = VALUES(last_updated)`

	if _, err := tx.ExecContext(ctx, upsertStmt,
		userID,
		threadID,
		memory.RequestSummary,
		memory.ResponseSummary,
		string(encoded),
		memory.LastUpdated,
	); err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "写入会话线程失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "提交会话事务失败")
	}
	return nil
}

// Delete 删除线程。
func (s *MySQLStore) Delete(ctx context.Context, userID, threadID string) error {
	const stmt = `DELETE FROM session_threads WHERE user_id = ? AND thread_id = ?`

	res, err := s.db.ExecContext(ctx, stmt, userID, threadID)
	if err != nil {
		return xerrors.Wrap(CodeMemoryStore, err, "删除会话线程失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// ListThreads 返回用户全部线程，按最后更新时间降序。
func (s *MySQLStore) ListThreads(ctx context.Context, userID string) ([]ThreadInfo, error) {
	const stmt = `SELECT thread_id, request_summary, response_summary, raw_turns, last_updated
        FROM session_threads WHERE user_id = ? ORDER BY last_updated DESC, thread_id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "查询会话线程列表失败")
	}
	defer rows.Close()

	infos := make([]ThreadInfo, 0)
	for rows.Next() {
		var info ThreadInfo
		var rawTurns sql.NullString
		if err := rows.Scan(&info.ThreadID, &info.RequestSummary, &info.ResponseSummary, &rawTurns, &info.LastUpdated); err != nil {
			return nil, xerrors.Wrap(CodeMemoryStore, err, "解析会话线程记录失败")
		}
		if rawTurns.Valid && strings.TrimSpace(rawTurns.String) != "" {
			var turns []Turn
			if decodeErr := json.Unmarshal([]byte(rawTurns.String), &turns); decodeErr == nil {
				info.TurnCount = len(turns)
			}
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeMemoryStore, err, "遍历会话线程失败")
	}
	return infos, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
