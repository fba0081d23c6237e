package assignment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

var (
	// errors
	ErrNotFound = errors.New("assignment not found")
)

type (
	// Criterion is one weighted line of a rubric.
	Criterion struct {
		Name        string  `json:"name" validate:"required"`
		Description string  `json:"description"`
		MaxPoints   float64 `json:"max_points" validate:"gt=0"`
	}

	// Rubric is the weighted set of criteria a submission is scored against.
	Rubric struct {
		AssignmentID string      `json:"assignment_id"`
		Title        string      `json:"title"`
		TotalPoints  float64     `json:"total_points"`
		Criteria     []Criterion `json:"criteria" validate:"min=1,dive"`
	}

	Repository interface {
		GetAssignmentRubric(ctx context.Context, assignmentID string) (Rubric, error)
	}
)

// Fingerprint is a stable hash of the rubric contents, used in grading
// cache keys so a rubric edit invalidates memoized grades.
func (r Rubric) Fingerprint() string {
	raw, _ := json.Marshal(r)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
