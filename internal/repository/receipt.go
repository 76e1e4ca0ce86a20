package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classchat/internal/logger"
)

type ReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// MarkViewed вставляет недостающие пары одним запросом; id без сообщения
// отсекаются join'ом, повторная отметка: no-op.
func (r *ReceiptRepository) MarkViewed(ctx context.Context, ids []int64, userEmail string) (int, error) {
	defer logger.DeferLogDuration("receipt.MarkViewed", time.Now())()
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_views (message_id, user_email)
		 SELECT m.id, $2 FROM chat_messages m WHERE m.id = ANY($1)
		 ON CONFLICT DO NOTHING`, ids, userEmail,
	)
	if err != nil {
		return 0, wrapErr("receiptRepo.MarkViewed", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ReceiptRepository) ViewersFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	defer logger.DeferLogDuration("receipt.ViewersFor", time.Now())()
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_email FROM message_views
		 WHERE message_id = ANY($1)
		 ORDER BY message_id, viewed_at, user_email`, ids,
	)
	if err != nil {
		return nil, wrapErr("receiptRepo.ViewersFor query", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    int64
			email string
		)
		if err := rows.Scan(&id, &email); err != nil {
			return nil, wrapErr("receiptRepo.ViewersFor scan", err)
		}
		out[id] = append(out[id], email)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("receiptRepo.ViewersFor rows", err)
	}
	return out, nil
}
