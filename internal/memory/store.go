package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"claudechat/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteDSNOptions = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Timestamps are stored as fixed-width UTC text so that string order is
// time order and the exact instant survives a round trip.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements domain.ConversationStore and domain.TurnAppender
// using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+sqliteDSNOptions)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *SQLiteStore) Create(ctx context.Context, title string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now().UTC(),
		Messages:  []domain.Message{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.Title, formatTime(conv.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	if conv.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("conversation %s created_at: %w", id, err)
	}

	byConv, err := s.loadMessages(ctx, `WHERE m.conversation_id = ?`, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = byConv[id]
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	return &conv, nil
}

// List returns every conversation with its messages, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM conversations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var created string
		if err := rows.Scan(&c.ID, &c.Title, &created); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("conversation %s created_at: %w", c.ID, err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byConv, err := s.loadMessages(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Messages = byConv[convs[i].ID]
		if convs[i].Messages == nil {
			convs[i].Messages = []domain.Message{}
		}
	}
	return convs, nil
}

// loadMessages reads messages (with attachments) grouped by conversation id
// in insertion order. where filters on the messages table aliased as m.
func (s *SQLiteStore) loadMessages(ctx context.Context, where string, args ...any) (map[string][]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at,
		       a.file_name, a.file_type, a.content_ref
		FROM messages m
		LEFT JOIN message_attachments a ON a.message_id = m.id
		`+where+`
		ORDER BY m.id, a.position`, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Message)
	var lastID int64 = -1
	var lastConv string
	for rows.Next() {
		var (
			id                        int64
			convID, role, content, ts string
			fileName, fileType, ref   sql.NullString
		)
		if err := rows.Scan(&id, &convID, &role, &content, &ts, &fileName, &fileType, &ref); err != nil {
			return nil, err
		}
		if id != lastID {
			created, err := parseTime(ts)
			if err != nil {
				return nil, fmt.Errorf("message %d created_at: %w", id, err)
			}
			out[convID] = append(out[convID], domain.Message{Role: role, Content: content, Timestamp: created})
			lastID, lastConv = id, convID
		}
		if fileName.Valid {
			msgs := out[lastConv]
			m := &msgs[len(msgs)-1]
			m.Attachments = append(m.Attachments, domain.Attachment{
				FileName:   fileName.String,
				FileType:   fileType.String,
				ContentRef: ref.String,
			})
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, id string, msg domain.Message) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := conversationExists(ctx, tx, id); err != nil {
			return err
		}
		return insertMessage(ctx, tx, id, msg)
	})
}

// AppendTurn writes the user message and the reply in one transaction.
func (s *SQLiteStore) AppendTurn(ctx context.Context, id string, user, assistant domain.Message) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := conversationExists(ctx, tx, id); err != nil {
			return err
		}
		if err := insertMessage(ctx, tx, id, user); err != nil {
			return err
		}
		return insertMessage(ctx, tx, id, assistant)
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func conversationExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrConversationNotFound
	}
	return err
}

func insertMessage(ctx context.Context, tx *sql.Tx, convID string, msg domain.Message) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		convID, msg.Role, msg.Content, formatTime(msg.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i, a := range msg.Attachments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_attachments (message_id, position, file_name, file_type, content_ref)
			 VALUES (?, ?, ?, ?, ?)`,
			msgID, i, a.FileName, a.FileType, a.ContentRef,
		); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Rename(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_attachments WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, id,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return removed, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
