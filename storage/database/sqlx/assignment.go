package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core/assignment"
)

type rubricRow struct {
	AssignmentID string          `db:"assignment_id"`
	Title        string          `db:"title"`
	TotalPoints  float64         `db:"total_points"`
	Criteria     json.RawMessage `db:"criteria"`
}

type assignmentRepository struct {
	db *sqlx.DB
}

var _ assignment.Repository = (*assignmentRepository)(nil) // interface compliance check

func NewAssignmentRepository(db *sqlx.DB) *assignmentRepository {
	return &assignmentRepository{db: db}
}

func (repo assignmentRepository) GetAssignmentRubric(ctx context.Context, assignmentID string) (assignment.Rubric, error) {
	var row rubricRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM rubric WHERE assignment_id = $1`, assignmentID)
	if err == sql.ErrNoRows {
		return assignment.Rubric{}, assignment.ErrNotFound
	}
	if err != nil {
		return assignment.Rubric{}, errors.Wrap(err, "getting rubric")
	}

	rubric := assignment.Rubric{
		AssignmentID: row.AssignmentID,
		Title:        row.Title,
		TotalPoints:  row.TotalPoints,
	}
	if len(row.Criteria) > 0 {
		if err = json.Unmarshal(row.Criteria, &rubric.Criteria); err != nil {
			return assignment.Rubric{}, errors.Wrap(err, "unmarshaling criteria")
		}
	}
	return rubric, nil
}
