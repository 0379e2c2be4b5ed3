package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"e2e_relay/internal/directory"
	"e2e_relay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id    INTEGER PRIMARY KEY,
	type  INTEGER NOT NULL,
	name  TEXT NOT NULL,
	admin TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_members (
	chat_id  INTEGER NOT NULL REFERENCES chats(id),
	user_id  TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	chat_id   INTEGER NOT NULL REFERENCES chats(id),
	sequence  INTEGER NOT NULL,
	sender    TEXT NOT NULL,
	payload   BLOB NOT NULL,
	encrypted INTEGER NOT NULL,
	sent_at   INTEGER NOT NULL,
	PRIMARY KEY (chat_id, sequence)
);
`

type (
	// SQLiteRepo is an embedded single-file store.
	SQLiteRepo struct {
		db *sql.DB
	}
)

var _ directory.Store = (*SQLiteRepo)(nil)

func OpenSQLite(path string) (*SQLiteRepo, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) GetChat(ctx context.Context, id uint32) (*model.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT type, name, admin FROM chats WHERE id = ?`, id)

	chat := model.Chat{ID: id}
	err := row.Scan(&chat.Type, &chat.Name, &chat.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}

	chat.Members, err = r.GetMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *SQLiteRepo) StoreChat(ctx context.Context, chat *model.Chat) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, type, name, admin) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			admin = excluded.admin
	`, chat.ID, chat.Type, chat.Name, chat.Admin)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = ?`, chat.ID); err != nil {
		return err
	}
	for i, m := range chat.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id, position) VALUES (?, ?, ?)`,
			chat.ID, m, i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepo) AddMember(ctx context.Context, id uint32, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_members (chat_id, user_id, position)
		SELECT id, ?, (SELECT COUNT(*) FROM chat_members WHERE chat_id = ?)
		FROM chats WHERE id = ?
	`, userID, id, id)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return directory.ErrChatNotFound
		}
	}
	return nil
}

func (r *SQLiteRepo) GetMembers(ctx context.Context, id uint32) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(members) == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, directory.ErrChatNotFound
		}
	}
	return members, nil
}

func (r *SQLiteRepo) AppendMessage(ctx context.Context, msg *model.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, sequence, sender, payload, encrypted, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ChatID, msg.Sequence, msg.Sender, msg.Payload, boolToInt(msg.Encrypted), msg.SentAt.UnixNano())
	return err
}

func (r *SQLiteRepo) ListMessages(ctx context.Context, id uint32, limit int) ([]*model.Message, error) {
	query := `
		SELECT sequence, sender, payload, encrypted, sent_at FROM (
			SELECT * FROM messages WHERE chat_id = ? ORDER BY sequence DESC LIMIT ?
		) ORDER BY sequence ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, query, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*model.Message
	for rows.Next() {
		m := &model.Message{ChatID: id}
		var encrypted int
		var sentAt int64
		if err := rows.Scan(&m.Sequence, &m.Sender, &m.Payload, &encrypted, &sentAt); err != nil {
			return nil, err
		}
		m.Encrypted = encrypted != 0
		m.SentAt = time.Unix(0, sentAt).UTC()
		res = append(res, m)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
