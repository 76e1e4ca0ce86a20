package model

import "time"

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	}
	return false
}

// User: учётная запись; Email служит идентичностью (subject токена, ключ присутствия, автор реакций).
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

type UserPublic struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
		Role:  u.Role,
	}
}

// Classroom is the read model used to scope chat rooms. Membership is never
// loaded implicitly: callers ask the store for participants explicitly.
type Classroom struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// PresenceEntry is an online chat participant. Lives only as long as the
// connection that announced it.
type PresenceEntry struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	LastSeen    time.Time `json:"lastSeen"`
}
