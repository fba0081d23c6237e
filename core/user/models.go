package user

import (
	"context"
	"errors"
	"time"
)

// Roles
const (
	RoleAdmin   = "admin:"
	RoleTeacher = "teacher:"
	RoleStudent = "student:"
)

var (
	// errors
	ErrNotFound = errors.New("user not found")
)

// User is the slim identity consumed by the pipeline; account management and
// authentication belong to the user-management collaborator.
type User struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	IsActive bool     `json:"is_active"`
	Roles    []string `json:"roles"`

	// EmailNotifications is the user's notification channel preference;
	// in-app notifications are always on.
	EmailNotifications bool `json:"email_notifications"`

	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (u User) IsTeacher() bool {
	for _, r := range u.Roles {
		if r == RoleTeacher || r == RoleAdmin {
			return true
		}
	}
	return false
}

type Repository interface {
	GetUserByID(ctx context.Context, id int) (User, error)
}
