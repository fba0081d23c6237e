package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core/notif"
)

const pqUniqueViolation = "23505"

type notificationRow struct {
	ID                string     `db:"id"`
	UserID            int        `db:"user_id"`
	Type              string     `db:"type"`
	Content           string     `db:"content"`
	RelatedResourceID string     `db:"related_resource_id"`
	ReadAt            *time.Time `db:"read_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

type notificationRepository struct {
	db *sqlx.DB
}

var _ notif.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *sqlx.DB) *notificationRepository {
	return &notificationRepository{db: db}
}

func (repo notificationRepository) CreateNotification(ctx context.Context, n notif.Notification) (notif.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := repo.db.ExecContext(ctx, `
		INSERT INTO notification (id, user_id, type, content, related_resource_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.Type, n.Content, n.RelatedResourceID, n.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return notif.Notification{}, notif.ErrDuplicate
		}
		return notif.Notification{}, errors.Wrap(err, "creating notification")
	}
	return n, nil
}

func (repo notificationRepository) ListNotificationsByUser(ctx context.Context, userID int) ([]notif.Notification, error) {
	var rows []notificationRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM notification WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "listing notifications")
	}
	notifs := make([]notif.Notification, 0, len(rows))
	for _, row := range rows {
		notifs = append(notifs, notif.Notification{
			ID:                row.ID,
			UserID:            row.UserID,
			Type:              row.Type,
			Content:           row.Content,
			RelatedResourceID: row.RelatedResourceID,
			ReadAt:            row.ReadAt,
			CreatedAt:         row.CreatedAt,
		})
	}
	return notifs, nil
}
