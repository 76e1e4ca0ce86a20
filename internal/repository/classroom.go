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

// ClassroomRepository отвечает только на вопросы чата о составе класса.
// Состав никогда не подгружается неявно: каждый доступ: отдельный явный запрос.
type ClassroomRepository struct {
	pool *pgxpool.Pool
}

func NewClassroomRepository(pool *pgxpool.Pool) *ClassroomRepository {
	return &ClassroomRepository{pool: pool}
}

func (r *ClassroomRepository) Create(ctx context.Context, c *model.Classroom) error {
	defer logger.DeferLogDuration("classroom.Create", time.Now())()
	if err := r.pool.QueryRow(ctx,
		`INSERT INTO classrooms (name) VALUES ($1) RETURNING id, created_at`, c.Name,
	).Scan(&c.ID, &c.CreatedAt); err != nil {
		return wrapErr("classroomRepo.Create", err)
	}
	return nil
}

// AddTeacher / AddStudent: по email; неизвестный класс или пользователь → ErrNotFound.
func (r *ClassroomRepository) AddTeacher(ctx context.Context, classroomID int64, email string) error {
	return r.addMember(ctx, "classroom_teachers", classroomID, email)
}

func (r *ClassroomRepository) AddStudent(ctx context.Context, classroomID int64, email string) error {
	return r.addMember(ctx, "classroom_students", classroomID, email)
}

func (r *ClassroomRepository) addMember(ctx context.Context, table string, classroomID int64, email string) error {
	defer logger.DeferLogDuration("classroom.addMember", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO `+table+` (classroom_id, user_id)
		 SELECT $1, u.id FROM users u WHERE u.email = $2
		 ON CONFLICT DO NOTHING`, classroomID, email,
	)
	if err != nil {
		if isFKViolation(err) {
			return ErrNotFound
		}
		return wrapErr("classroomRepo.addMember", err)
	}
	if tag.RowsAffected() == 0 {
		ok, err := r.IsParticipant(ctx, classroomID, email)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
	}
	return nil
}

func (r *ClassroomRepository) GetByID(ctx context.Context, id int64) (*model.Classroom, error) {
	defer logger.DeferLogDuration("classroom.GetByID", time.Now())()
	c := &model.Classroom{}
	err := r.pool.QueryRow(ctx, `SELECT id, name, created_at FROM classrooms WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("classroomRepo.GetByID", err)
	}
	return c, nil
}

// IsParticipant: один запрос по учителям и ученикам.
func (r *ClassroomRepository) IsParticipant(ctx context.Context, classroomID int64, email string) (bool, error) {
	defer logger.DeferLogDuration("classroom.IsParticipant", time.Now())()
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM users u
		     WHERE u.email = $2 AND (
		         EXISTS (SELECT 1 FROM classroom_teachers t WHERE t.classroom_id = $1 AND t.user_id = u.id)
		      OR EXISTS (SELECT 1 FROM classroom_students s WHERE s.classroom_id = $1 AND s.user_id = u.id)
		     )
		 )`, classroomID, email,
	).Scan(&ok)
	if err != nil {
		return false, wrapErr("classroomRepo.IsParticipant", err)
	}
	return ok, nil
}

func (r *ClassroomRepository) ParticipantEmails(ctx context.Context, classroomID int64) ([]string, error) {
	defer logger.DeferLogDuration("classroom.ParticipantEmails", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.email FROM users u JOIN classroom_teachers t ON t.user_id = u.id WHERE t.classroom_id = $1
		 UNION
		 SELECT u.email FROM users u JOIN classroom_students s ON s.user_id = u.id WHERE s.classroom_id = $1
		 ORDER BY 1`, classroomID,
	)
	if err != nil {
		return nil, wrapErr("classroomRepo.ParticipantEmails query", err)
	}
	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapErr("classroomRepo.ParticipantEmails rows", err)
	}
	return emails, nil
}
