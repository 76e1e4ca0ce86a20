package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Toggle снимает реакцию, если она была, иначе ставит. Уникальный индекс
// (message_id, user_email, emoji): окончательный арбитр гонок: параллельная
// вставка той же тройки превращается в no-op и возвращается как added.
func (r *ReactionRepository) Toggle(ctx context.Context, messageID int64, userEmail, emoji string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Toggle", time.Now())()
	var added bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_email = $2 AND emoji = $3`,
			messageID, userEmail, emoji,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_reactions (message_id, user_email, emoji)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			messageID, userEmail, emoji,
		); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		if isFKViolation(err) {
			return false, ErrNotFound
		}
		return false, wrapErr("reactionRepo.Toggle", err)
	}
	return added, nil
}

// Grouped: агрегаты по emoji в порядке первой реакции.
func (r *ReactionRepository) Grouped(ctx context.Context, messageID int64) ([]model.ReactionSummary, error) {
	defer logger.DeferLogDuration("reaction.Grouped", time.Now())()
	byMsg, err := r.GroupedForMessages(ctx, []int64{messageID})
	if err != nil {
		return nil, err
	}
	if g := byMsg[messageID]; g != nil {
		return g, nil
	}
	return []model.ReactionSummary{}, nil
}

// GroupedForMessages: одна выборка для страницы истории.
func (r *ReactionRepository) GroupedForMessages(ctx context.Context, ids []int64) (map[int64][]model.ReactionSummary, error) {
	defer logger.DeferLogDuration("reaction.GroupedForMessages", time.Now())()
	out := make(map[int64][]model.ReactionSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, emoji, COUNT(*), array_agg(user_email ORDER BY created_at, user_email)
		 FROM message_reactions
		 WHERE message_id = ANY($1)
		 GROUP BY message_id, emoji
		 ORDER BY message_id, MIN(created_at), emoji`, ids,
	)
	if err != nil {
		return nil, wrapErr("reactionRepo.GroupedForMessages query", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id int64
			g  model.ReactionSummary
		)
		if err := rows.Scan(&id, &g.Emoji, &g.Count, &g.Users); err != nil {
			return nil, wrapErr("reactionRepo.GroupedForMessages scan", err)
		}
		out[id] = append(out[id], g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("reactionRepo.GroupedForMessages rows", err)
	}
	return out, nil
}
