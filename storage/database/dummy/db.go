package dummydb

import (
	"sync"

	"github.com/trezcool/mwalimu/core/assignment"
	"github.com/trezcool/mwalimu/core/notif"
	"github.com/trezcool/mwalimu/core/submission"
	"github.com/trezcool/mwalimu/core/user"
)

type (
	DB struct {
		user         *userTable
		rubric       *rubricTable
		submission   *submissionTable
		notification *notificationTable
	}

	userTable struct {
		sync.RWMutex
		table map[int]*user.User
	}

	rubricTable struct {
		sync.RWMutex
		table map[string]*assignment.Rubric
	}

	submissionTable struct {
		sync.RWMutex
		table map[string]*submission.Submission
	}

	notificationTable struct {
		sync.RWMutex
		table map[string]*notif.Notification
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:         &userTable{table: make(map[int]*user.User)},
		rubric:       &rubricTable{table: make(map[string]*assignment.Rubric)},
		submission:   &submissionTable{table: make(map[string]*submission.Submission)},
		notification: &notificationTable{table: make(map[string]*notif.Notification)},
	}
	return db, nil
}
