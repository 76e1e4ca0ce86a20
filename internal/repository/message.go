package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

const msgCols = `id, sender_email, sender_name, sender_role, content, message_type, classroom_id, reply_to_id, created_at, updated_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.PersistedMessage) error {
	return s.Scan(&m.ID, &m.SenderEmail, &m.SenderName, &m.SenderRole, &m.Content, &m.Type,
		&m.ClassroomID, &m.ReplyToID, &m.CreatedAt, &m.UpdatedAt)
}

// scopeFilter: условие комнаты. Общая комната (NULL) и класс: разные предикаты,
// чтобы каждый попадал в свой индекс.
func scopeFilter(scope model.Scope) (string, []any) {
	if scope.IsGeneral() {
		return `classroom_id IS NULL`, nil
	}
	return `classroom_id = $1`, []any{scope.ClassroomID}
}

func collectMessages(rows pgx.Rows, op string) ([]model.PersistedMessage, error) {
	defer rows.Close()
	out := make([]model.PersistedMessage, 0, 16)
	for rows.Next() {
		var m model.PersistedMessage
		if err := scanMessage(rows, &m); err != nil {
			return nil, wrapErr(op+" scan", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op+" rows", err)
	}
	return out, nil
}

// Append присваивает id и created_at на стороне БД. Неизвестный класс или reply_to → ErrNotFound.
func (r *MessageRepository) Append(ctx context.Context, m *model.PersistedMessage) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (sender_email, sender_name, sender_role, content, message_type, classroom_id, reply_to_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		m.SenderEmail, m.SenderName, m.SenderRole, m.Content, m.Type, m.ClassroomID, m.ReplyToID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isFKViolation(err) {
			return ErrNotFound
		}
		return wrapErr("msgRepo.Append", err)
	}
	return nil
}

// List: по возрастанию (created_at, id); limit <= 0: вся история комнаты.
func (r *MessageRepository) List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.PersistedMessage, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	where, args := scopeFilter(scope)
	q := `SELECT ` + msgCols + ` FROM chat_messages WHERE ` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		args = append(args, limit, offset)
		q += ` LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("msgRepo.List query", err)
	}
	return collectMessages(rows, "msgRepo.List")
}

// Recent: limit самых новых, возвращаются от старых к новым.
func (r *MessageRepository) Recent(ctx context.Context, scope model.Scope, limit int) ([]model.PersistedMessage, error) {
	defer logger.DeferLogDuration("msg.Recent", time.Now())()
	where, args := scopeFilter(scope)
	args = append(args, limit)
	rows, err := r.pool.Query(ctx,
		`SELECT * FROM (
		     SELECT `+msgCols+` FROM chat_messages WHERE `+where+`
		     ORDER BY created_at DESC, id DESC LIMIT $`+itoa(len(args))+`
		 ) recent ORDER BY created_at, id`, args...,
	)
	if err != nil {
		return nil, wrapErr("msgRepo.Recent query", err)
	}
	return collectMessages(rows, "msgRepo.Recent")
}

func (r *MessageRepository) Count(ctx context.Context, scope model.Scope) (int, error) {
	defer logger.DeferLogDuration("msg.Count", time.Now())()
	where, args := scopeFilter(scope)
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_messages WHERE `+where, args...).Scan(&n); err != nil {
		return 0, wrapErr("msgRepo.Count", err)
	}
	return n, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.PersistedMessage, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.PersistedMessage{}
	err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM chat_messages WHERE id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("msgRepo.GetByID", err)
	}
	return m, nil
}
