package repository

import (
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classchat/internal/storage"
)

// Store собирает репозитории поверх одного пула.
type Store struct {
	Users      *UserRepository
	Classrooms *ClassroomRepository
	Messages   *MessageRepository
	Reactions  *ReactionRepository
	Receipts   *ReceiptRepository
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Users:      NewUserRepository(pool),
		Classrooms: NewClassroomRepository(pool),
		Messages:   NewMessageRepository(pool),
		Reactions:  NewReactionRepository(pool),
		Receipts:   NewReceiptRepository(pool),
	}
}

var (
	_ storage.UserStore      = (*UserRepository)(nil)
	_ storage.ClassroomStore = (*ClassroomRepository)(nil)
	_ storage.MessageStore   = (*MessageRepository)(nil)
	_ storage.ReactionStore  = (*ReactionRepository)(nil)
	_ storage.ReceiptStore   = (*ReceiptRepository)(nil)
)

func itoa(n int) string { return strconv.Itoa(n) }
