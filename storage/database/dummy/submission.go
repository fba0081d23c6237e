package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/mwalimu/core/submission"
)

type submissionRepository struct {
	db *submissionTable
}

var _ submission.Repository = (*submissionRepository)(nil) // interface compliance check

func NewSubmissionRepository(db *DB) *submissionRepository {
	return &submissionRepository{db: db.submission}
}

func (repo *submissionRepository) CreateSubmission(_ context.Context, sub submission.Submission) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = submission.StatusSubmitted
	}
	repo.db.table[sub.ID] = &sub
	return sub, nil
}

func (repo *submissionRepository) GetSubmission(_ context.Context, id string) (submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sub, ok := repo.db.table[id]; ok {
		return *sub, nil
	}
	return submission.Submission{}, submission.ErrNotFound
}

// UpdateSubmission checks the status guard and applies the patch under one
// lock, mirroring the conditional UPDATE of the postgres repository.
func (repo *submissionRepository) UpdateSubmission(
	_ context.Context,
	id string,
	expected submission.Status,
	patch submission.Patch,
) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sub, ok := repo.db.table[id]
	if !ok {
		return submission.Submission{}, submission.ErrNotFound
	}
	if sub.Status != expected {
		return submission.Submission{}, submission.ErrStatusConflict
	}

	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	if patch.Extraction != nil {
		ext := *patch.Extraction
		sub.Extraction = &ext
	}
	if patch.Grade != nil {
		grade := *patch.Grade
		sub.Grade = &grade
	}
	if patch.RetryCount != nil {
		sub.RetryCount = *patch.RetryCount
	}
	if len(patch.AppendErrors) > 0 {
		sub.Errors = append(sub.Errors, patch.AppendErrors...)
	}
	if patch.StartedAt != nil {
		t := patch.StartedAt.UTC()
		sub.StartedAt = &t
	}
	if patch.ExtractedAt != nil {
		t := patch.ExtractedAt.UTC()
		sub.ExtractedAt = &t
	}
	if patch.GradedAt != nil {
		t := patch.GradedAt.UTC()
		sub.GradedAt = &t
	}
	sub.UpdatedAt = time.Now().UTC()
	return *sub, nil
}

func (repo *submissionRepository) FilterSubmissions(_ context.Context, filter submission.QueryFilter) ([]submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	subs := make([]submission.Submission, 0, len(repo.db.table))
	for _, sub := range repo.db.table {
		if len(filter.Statuses) > 0 && !statusIn(sub.Status, filter.Statuses) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !sub.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		subs = append(subs, *sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].UpdatedAt.Before(subs[j].UpdatedAt) })
	return subs, nil
}

func statusIn(st submission.Status, statuses []submission.Status) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}
