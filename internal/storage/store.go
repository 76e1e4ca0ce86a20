// Package storage описывает хранилища чата.
// Реализации: repository (PostgreSQL через pgx) и memory (тесты и режим -memory).
package storage

import (
	"context"
	"errors"

	"github.com/classchat/internal/model"
)

var (
	// ErrNotFound: сообщение, пользователь или класс не существует.
	ErrNotFound = errors.New("not found")
	// ErrStorage: хранилище недоступно или запрос к нему упал.
	ErrStorage = errors.New("storage unavailable")
)

// MessageStore: сообщения чата, упорядоченные внутри комнаты по (created_at, id).
type MessageStore interface {
	// Append присваивает id и created_at в момент записи.
	Append(ctx context.Context, m *model.PersistedMessage) error
	// List возвращает сообщения по возрастанию; limit <= 0: без ограничения.
	List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.PersistedMessage, error)
	// Recent возвращает до limit самых новых сообщений, от старых к новым.
	Recent(ctx context.Context, scope model.Scope, limit int) ([]model.PersistedMessage, error)
	Count(ctx context.Context, scope model.Scope) (int, error)
	GetByID(ctx context.Context, id int64) (*model.PersistedMessage, error)
}

// ReactionStore: реакции; уникальность (message, user, emoji): окончательный арбитр гонок.
type ReactionStore interface {
	// Toggle удаляет тройку, если она есть (false), иначе вставляет (true).
	Toggle(ctx context.Context, messageID int64, userEmail, emoji string) (bool, error)
	Grouped(ctx context.Context, messageID int64) ([]model.ReactionSummary, error)
	GroupedForMessages(ctx context.Context, ids []int64) (map[int64][]model.ReactionSummary, error)
}

// ReceiptStore: отметки о просмотре.
type ReceiptStore interface {
	// MarkViewed вставляет недостающие пары и возвращает число новых; несуществующие id пропускаются.
	MarkViewed(ctx context.Context, ids []int64, userEmail string) (int, error)
	ViewersFor(ctx context.Context, ids []int64) (map[int64][]string, error)
}

// UserStore: чтение учётных записей для фильтра авторизации и логина.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// ClassroomStore: явные запросы участия; ленивой подгрузки состава нет.
type ClassroomStore interface {
	GetByID(ctx context.Context, id int64) (*model.Classroom, error)
	// IsParticipant: одним запросом по учителям и ученикам класса.
	IsParticipant(ctx context.Context, classroomID int64, email string) (bool, error)
	// ParticipantEmails: двухшаговое чтение не нужно: UNION учителей и учеников.
	ParticipantEmails(ctx context.Context, classroomID int64) ([]string, error)
}
