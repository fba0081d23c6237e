package submission

import (
	"context"
	"errors"
	"time"
)

var (
	// errors
	ErrNotFound = errors.New("submission not found")
	// ErrStatusConflict is returned by a conditional update when the
	// submission's current status no longer matches the expected one.
	ErrStatusConflict = errors.New("submission status conflict")
)

// Status is the submission's lifecycle state. Transitions are monotonic: a
// submission never regresses through pipeline logic alone.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusProcessing   Status = "processing"
	StatusOCRComplete  Status = "ocr_complete"
	StatusGrading      Status = "grading"
	StatusGraded       Status = "graded"
	StatusReviewNeeded Status = "review_needed"
	StatusReviewed     Status = "reviewed"
	StatusError        Status = "error"
)

var transitions = map[Status][]Status{
	StatusSubmitted:    {StatusProcessing, StatusError},
	StatusProcessing:   {StatusOCRComplete, StatusReviewNeeded, StatusError},
	StatusOCRComplete:  {StatusGrading, StatusError},
	StatusGrading:      {StatusGraded, StatusError},
	StatusGraded:       {StatusReviewed},
	StatusReviewNeeded: {StatusReviewed, StatusError},
	StatusReviewed:     nil,
	// leaving error requires an explicit human re-trigger (Reprocess)
	StatusError: {StatusSubmitted, StatusOCRComplete},
}

// CanTransition reports whether s -> to is a legal lifecycle move.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the pipeline takes no further automatic action
// in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusGraded, StatusReviewNeeded, StatusReviewed, StatusError:
		return true
	}
	return false
}

// Grader identifies what produced a grade.
type Grader string

const (
	GraderAI    Grader = "ai"
	GraderHuman Grader = "human"
	GraderBoth  Grader = "both"
)

type (
	// SourceFile is one uploaded file of a submission.
	SourceFile struct {
		URI      string `json:"uri" validate:"required"`
		MimeType string `json:"mime_type" validate:"required"`
		Size     int64  `json:"size"`
	}

	LineConfidence struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}

	// Extraction is the persisted text-extraction result. Once the
	// submission reaches ocr_complete it is immutable.
	Extraction struct {
		Text       string           `json:"text"`
		Confidence float64          `json:"confidence"`
		Lines      []LineConfidence `json:"lines,omitempty"`
	}

	CriterionScore struct {
		Name      string  `json:"name" validate:"required"`
		Points    float64 `json:"points" validate:"gte=0"`
		MaxPoints float64 `json:"max_points" validate:"gt=0"`
		Comment   string  `json:"comment"`
	}

	Grade struct {
		Score    float64          `json:"score" validate:"gte=0"`
		MaxScore float64          `json:"max_score" validate:"gt=0"`
		Criteria []CriterionScore `json:"criteria" validate:"min=1,dive"`
		Feedback string           `json:"feedback"`
		GradedBy Grader           `json:"graded_by"`
	}

	// ErrorRecord captures one per-stage failure; records accumulate even
	// when the submission eventually succeeds.
	ErrorRecord struct {
		Stage   string    `json:"stage"`
		Message string    `json:"message"`
		At      time.Time `json:"at"` // UTC
	}

	Submission struct {
		ID           string `json:"id"`
		AssignmentID string `json:"assignment_id"`

		StudentName       string `json:"student_name"`
		StudentExternalID string `json:"student_external_id"`
		// OwnerID is the owning teacher notified on completion/error.
		OwnerID int `json:"owner_id"`

		Files []SourceFile `json:"files"`

		Extraction *Extraction `json:"extraction,omitempty"`
		Grade      *Grade      `json:"grade,omitempty"`

		Status     Status        `json:"status"`
		RetryCount int           `json:"retry_count"`
		Errors     []ErrorRecord `json:"errors,omitempty"`

		CreatedAt   time.Time  `json:"created_at"` // UTC
		UpdatedAt   time.Time  `json:"updated_at"` // UTC
		StartedAt   *time.Time `json:"started_at,omitempty"`
		ExtractedAt *time.Time `json:"extracted_at,omitempty"`
		GradedAt    *time.Time `json:"graded_at,omitempty"`
	}

	// Patch is the explicit partial-update struct passed to the
	// conditional update; nil fields are left untouched.
	Patch struct {
		Status       *Status
		Extraction   *Extraction
		Grade        *Grade
		RetryCount   *int
		AppendErrors []ErrorRecord
		StartedAt    *time.Time
		ExtractedAt  *time.Time
		GradedAt     *time.Time
	}

	QueryFilter struct {
		Statuses      []Status
		UpdatedBefore time.Time
	}

	Repository interface {
		CreateSubmission(ctx context.Context, sub Submission) (Submission, error)
		GetSubmission(ctx context.Context, id string) (Submission, error)
		// UpdateSubmission applies patch only if the submission's current
		// status equals expected; returns ErrStatusConflict otherwise.
		UpdateSubmission(ctx context.Context, id string, expected Status, patch Patch) (Submission, error)
		// FilterSubmissions applies AND on available QueryFilter fields.
		FilterSubmissions(ctx context.Context, filter QueryFilter) ([]Submission, error)
	}
)
