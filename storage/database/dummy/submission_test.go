package dummydb

import (
	"context"
	"sync"
	"testing"

	"github.com/trezcool/mwalimu/core/submission"
)

func TestUpdateSubmissionStatusGuard(t *testing.T) {
	ctx := context.Background()
	db, _ := Open()
	repo := NewSubmissionRepository(db)

	sub, err := repo.CreateSubmission(ctx, submission.Submission{
		AssignmentID: "a1",
		Status:       submission.StatusSubmitted,
	})
	if err != nil {
		t.Fatalf("CreateSubmission() failed: %v", err)
	}

	processing := submission.StatusProcessing
	if _, err = repo.UpdateSubmission(ctx, sub.ID, submission.StatusSubmitted, submission.Patch{Status: &processing}); err != nil {
		t.Fatalf("UpdateSubmission() failed: %v", err)
	}

	// second claim against the stale expected status must conflict
	_, err = repo.UpdateSubmission(ctx, sub.ID, submission.StatusSubmitted, submission.Patch{Status: &processing})
	if err != submission.ErrStatusConflict {
		t.Errorf("UpdateSubmission() error = %v, wantErr %v", err, submission.ErrStatusConflict)
	}

	// unknown submission
	_, err = repo.UpdateSubmission(ctx, "nope", submission.StatusSubmitted, submission.Patch{Status: &processing})
	if err != submission.ErrNotFound {
		t.Errorf("UpdateSubmission() error = %v, wantErr %v", err, submission.ErrNotFound)
	}
}

// With N concurrent workers racing the same transition, exactly one wins.
func TestUpdateSubmissionConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	db, _ := Open()
	repo := NewSubmissionRepository(db)

	sub, err := repo.CreateSubmission(ctx, submission.Submission{AssignmentID: "a1"})
	if err != nil {
		t.Fatalf("CreateSubmission() failed: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	processing := submission.StatusProcessing
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateSubmission(ctx, sub.ID, submission.StatusSubmitted, submission.Patch{Status: &processing})
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				wins++
			case submission.ErrStatusConflict:
				conflicts++
			default:
				t.Errorf("UpdateSubmission() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d; expected exactly one claimer to succeed", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d; expected %d", conflicts, workers-1)
	}
}

func TestAppendErrorsAccumulate(t *testing.T) {
	ctx := context.Background()
	db, _ := Open()
	repo := NewSubmissionRepository(db)

	sub, _ := repo.CreateSubmission(ctx, submission.Submission{AssignmentID: "a1"})

	for i := 0; i < 3; i++ {
		_, err := repo.UpdateSubmission(ctx, sub.ID, submission.StatusSubmitted, submission.Patch{
			AppendErrors: []submission.ErrorRecord{{Stage: "extraction", Message: "timeout"}},
		})
		if err != nil {
			t.Fatalf("UpdateSubmission() failed: %v", err)
		}
	}

	got, _ := repo.GetSubmission(ctx, sub.ID)
	if len(got.Errors) != 3 {
		t.Errorf("len(Errors) = %d; expected 3", len(got.Errors))
	}
}
