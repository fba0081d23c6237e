package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core/user"
)

type userRow struct {
	ID                 int            `db:"id"`
	Name               string         `db:"name"`
	Username           string         `db:"username"`
	Email              string         `db:"email"`
	IsActive           bool           `db:"is_active"`
	Roles              pq.StringArray `db:"roles"`
	EmailNotifications bool           `db:"email_notifications"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) *userRepository {
	return &userRepository{db: db}
}

func (repo userRepository) GetUserByID(ctx context.Context, id int) (user.User, error) {
	var row userRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM "user" WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, errors.Wrap(err, "getting user")
	}
	return user.User{
		ID:                 row.ID,
		Name:               row.Name,
		Username:           row.Username,
		Email:              row.Email,
		IsActive:           row.IsActive,
		Roles:              row.Roles,
		EmailNotifications: row.EmailNotifications,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}
