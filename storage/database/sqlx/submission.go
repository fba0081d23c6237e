// Package sqlxrepos implements the repositories on postgres via sqlx.
package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core/submission"
)

type submissionRow struct {
	ID                string          `db:"id"`
	AssignmentID      string          `db:"assignment_id"`
	StudentName       string          `db:"student_name"`
	StudentExternalID string          `db:"student_external_id"`
	OwnerID           int             `db:"owner_id"`
	Files             json.RawMessage `db:"files"`
	Extraction        json.RawMessage `db:"extraction"`
	Grade             json.RawMessage `db:"grade"`
	Status            string          `db:"status"`
	RetryCount        int             `db:"retry_count"`
	Errors            json.RawMessage `db:"errors"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	StartedAt         *time.Time      `db:"started_at"`
	ExtractedAt       *time.Time      `db:"extracted_at"`
	GradedAt          *time.Time      `db:"graded_at"`
}

type submissionRepository struct {
	db *sqlx.DB
}

var _ submission.Repository = (*submissionRepository)(nil) // interface compliance check

func NewSubmissionRepository(db *sqlx.DB) *submissionRepository {
	return &submissionRepository{db: db}
}

func (repo submissionRepository) row(sub submission.Submission) (submissionRow, error) {
	files, err := json.Marshal(sub.Files)
	if err != nil {
		return submissionRow{}, errors.Wrap(err, "marshaling files")
	}
	errs, err := json.Marshal(sub.Errors)
	if err != nil {
		return submissionRow{}, errors.Wrap(err, "marshaling error records")
	}
	row := submissionRow{
		ID:                sub.ID,
		AssignmentID:      sub.AssignmentID,
		StudentName:       sub.StudentName,
		StudentExternalID: sub.StudentExternalID,
		OwnerID:           sub.OwnerID,
		Files:             files,
		Status:            string(sub.Status),
		RetryCount:        sub.RetryCount,
		Errors:            errs,
		CreatedAt:         sub.CreatedAt.UTC(),
		UpdatedAt:         sub.UpdatedAt.UTC(),
		StartedAt:         sub.StartedAt,
		ExtractedAt:       sub.ExtractedAt,
		GradedAt:          sub.GradedAt,
	}
	if sub.Extraction != nil {
		if row.Extraction, err = json.Marshal(sub.Extraction); err != nil {
			return submissionRow{}, errors.Wrap(err, "marshaling extraction")
		}
	}
	if sub.Grade != nil {
		if row.Grade, err = json.Marshal(sub.Grade); err != nil {
			return submissionRow{}, errors.Wrap(err, "marshaling grade")
		}
	}
	return row, nil
}

func (repo submissionRepository) unrow(row submissionRow) (submission.Submission, error) {
	sub := submission.Submission{
		ID:                row.ID,
		AssignmentID:      row.AssignmentID,
		StudentName:       row.StudentName,
		StudentExternalID: row.StudentExternalID,
		OwnerID:           row.OwnerID,
		Status:            submission.Status(row.Status),
		RetryCount:        row.RetryCount,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		StartedAt:         row.StartedAt,
		ExtractedAt:       row.ExtractedAt,
		GradedAt:          row.GradedAt,
	}
	if len(row.Files) > 0 {
		if err := json.Unmarshal(row.Files, &sub.Files); err != nil {
			return sub, errors.Wrap(err, "unmarshaling files")
		}
	}
	if len(row.Errors) > 0 {
		if err := json.Unmarshal(row.Errors, &sub.Errors); err != nil {
			return sub, errors.Wrap(err, "unmarshaling error records")
		}
	}
	if len(row.Extraction) > 0 && string(row.Extraction) != "null" {
		sub.Extraction = &submission.Extraction{}
		if err := json.Unmarshal(row.Extraction, sub.Extraction); err != nil {
			return sub, errors.Wrap(err, "unmarshaling extraction")
		}
	}
	if len(row.Grade) > 0 && string(row.Grade) != "null" {
		sub.Grade = &submission.Grade{}
		if err := json.Unmarshal(row.Grade, sub.Grade); err != nil {
			return sub, errors.Wrap(err, "unmarshaling grade")
		}
	}
	return sub, nil
}

func (repo submissionRepository) CreateSubmission(ctx context.Context, sub submission.Submission) (submission.Submission, error) {
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

	row, err := repo.row(sub)
	if err != nil {
		return submission.Submission{}, err
	}
	_, err = repo.db.NamedExecContext(ctx, `
		INSERT INTO submission (
			id, assignment_id, student_name, student_external_id, owner_id,
			files, status, retry_count, errors, created_at, updated_at
		) VALUES (
			:id, :assignment_id, :student_name, :student_external_id, :owner_id,
			:files, :status, :retry_count, :errors, :created_at, :updated_at
		)`, row)
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "creating submission")
	}
	return sub, nil
}

func (repo submissionRepository) GetSubmission(ctx context.Context, id string) (submission.Submission, error) {
	var row submissionRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM submission WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return submission.Submission{}, submission.ErrNotFound
	}
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "getting submission")
	}
	return repo.unrow(row)
}

// UpdateSubmission applies patch in a single conditional UPDATE; the status
// guard in the WHERE clause is what makes concurrent stage transitions safe.
func (repo submissionRepository) UpdateSubmission(
	ctx context.Context,
	id string,
	expected submission.Status,
	patch submission.Patch,
) (submission.Submission, error) {
	sets := []string{"updated_at = now()"}
	args := []interface{}{id, string(expected)}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.Extraction != nil {
		data, err := json.Marshal(patch.Extraction)
		if err != nil {
			return submission.Submission{}, errors.Wrap(err, "marshaling extraction")
		}
		sets = append(sets, "extraction = "+arg(data)+"::jsonb")
	}
	if patch.Grade != nil {
		data, err := json.Marshal(patch.Grade)
		if err != nil {
			return submission.Submission{}, errors.Wrap(err, "marshaling grade")
		}
		sets = append(sets, "grade = "+arg(data)+"::jsonb")
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = "+arg(*patch.RetryCount))
	}
	if len(patch.AppendErrors) > 0 {
		data, err := json.Marshal(patch.AppendErrors)
		if err != nil {
			return submission.Submission{}, errors.Wrap(err, "marshaling error records")
		}
		sets = append(sets, "errors = errors || "+arg(data)+"::jsonb")
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(patch.StartedAt.UTC()))
	}
	if patch.ExtractedAt != nil {
		sets = append(sets, "extracted_at = "+arg(patch.ExtractedAt.UTC()))
	}
	if patch.GradedAt != nil {
		sets = append(sets, "graded_at = "+arg(patch.GradedAt.UTC()))
	}

	q := fmt.Sprintf(
		`UPDATE submission SET %s WHERE id = $1 AND status = $2 RETURNING *`,
		strings.Join(sets, ", "),
	)
	var row submissionRow
	err := repo.db.GetContext(ctx, &row, q, args...)
	if err == sql.ErrNoRows {
		// the row is either gone or in another status
		var n int
		if cerr := repo.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM submission WHERE id = $1`, id); cerr != nil {
			return submission.Submission{}, errors.Wrap(cerr, "checking submission")
		}
		if n == 0 {
			return submission.Submission{}, submission.ErrNotFound
		}
		return submission.Submission{}, submission.ErrStatusConflict
	}
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "updating submission")
	}
	return repo.unrow(row)
}

func (repo submissionRepository) FilterSubmissions(ctx context.Context, filter submission.QueryFilter) ([]submission.Submission, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore.UTC())
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	q := `SELECT * FROM submission`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at"

	var rows []submissionRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "filtering submissions")
	}
	subs := make([]submission.Submission, 0, len(rows))
	for _, row := range rows {
		sub, err := repo.unrow(row)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
