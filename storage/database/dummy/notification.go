package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/mwalimu/core/notif"
)

type notificationRepository struct {
	db *notificationTable
}

var _ notif.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *DB) *notificationRepository {
	return &notificationRepository{db: db.notification}
}

func (repo *notificationRepository) CreateNotification(_ context.Context, n notif.Notification) (notif.Notification, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, existing := range repo.db.table {
		if existing.UserID == n.UserID && existing.Type == n.Type && existing.RelatedResourceID == n.RelatedResourceID {
			return notif.Notification{}, notif.ErrDuplicate
		}
	}

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	repo.db.table[n.ID] = &n
	return n, nil
}

func (repo *notificationRepository) ListNotificationsByUser(_ context.Context, userID int) ([]notif.Notification, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	notifs := make([]notif.Notification, 0)
	for _, n := range repo.db.table {
		if n.UserID == userID {
			notifs = append(notifs, *n)
		}
	}
	sort.Slice(notifs, func(i, j int) bool { return notifs[i].CreatedAt.After(notifs[j].CreatedAt) })
	return notifs, nil
}
