package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/mwalimu/core/submission"
	"github.com/trezcool/mwalimu/core/user"
)

// NopLogger discards everything; service tests that assert on behavior
// rather than log output use it.
type NopLogger struct{}

func (NopLogger) Enable(bool)                  {}
func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Fatal(string, ...interface{}) {}

func CreateSubmission(
	t *testing.T,
	repo submission.Repository,
	assignmentID string,
	ownerID int,
	files []submission.SourceFile,
	createdAt ...time.Time,
) submission.Submission {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	sub := submission.Submission{
		AssignmentID: assignmentID,
		OwnerID:      ownerID,
		Files:        files,
		Status:       submission.StatusSubmitted,
		CreatedAt:    tstamp,
		UpdatedAt:    tstamp,
	}
	sub, err := repo.CreateSubmission(context.Background(), sub)
	if err != nil {
		t.Fatalf("createSubmission() failed: %v", err)
	}
	return sub
}

// TeacherUser returns an active teacher with email notifications on; the
// common recipient shape in notification tests.
func TeacherUser(id int) user.User {
	now := time.Now().UTC()
	return user.User{
		ID:                 id,
		Name:               "Mwalimu Test",
		Username:           "mwalimutest",
		Email:              "mwalimu@test.cd",
		IsActive:           true,
		Roles:              []string{user.RoleTeacher},
		EmailNotifications: true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
