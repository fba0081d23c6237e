package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/assignment"
	"github.com/trezcool/mwalimu/core/notif"
)

// Pipeline stages, as recorded in error records and metrics.
const (
	StageExtraction   = "extraction"
	StageGrading      = "grading"
	StagePersistence  = "persistence"
	StageNotification = "notification"
)

var nowFunc = time.Now // mockable

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwalimu_submissions_processed_total",
		Help: "Submissions that reached a terminal pipeline state, by outcome.",
	}, []string{"outcome"})
	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mwalimu_stage_failures_total",
		Help: "Per-stage failures, including eventually-retried transient ones.",
	}, []string{"stage", "kind"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mwalimu_stage_duration_seconds",
		Help:    "Wall time of pipeline stages.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})
)

type (
	// TextExtractor is the capability interface over the external
	// text-extraction provider.
	TextExtractor interface {
		Extract(ctx context.Context, file SourceFile) (Extraction, error)
	}

	// RubricGrader is the capability interface over the external
	// generative-language grading provider.
	RubricGrader interface {
		Grade(ctx context.Context, text string, rubric assignment.Rubric) (Grade, error)
	}

	// ProcessPayload is the process_submission task payload.
	ProcessPayload struct {
		SubmissionID string `json:"submission_id" validate:"required"`
	}

	// Service is the pipeline orchestrator: it owns all submission
	// mutation during processing and drives extraction -> grading ->
	// persistence -> notification off the task broker.
	Service struct {
		repo      Repository
		rubrics   assignment.Repository
		broker    core.Broker
		extractor TextExtractor
		grader    RubricGrader
		validate  *validator.Validate
		log       core.Logger
		conf      *core.Config
	}
)

func NewService(
	conf *core.Config,
	log core.Logger,
	repo Repository,
	rubrics assignment.Repository,
	broker core.Broker,
	extractor TextExtractor,
	grader RubricGrader,
) *Service {
	return &Service{
		repo:      repo,
		rubrics:   rubrics,
		broker:    broker,
		extractor: extractor,
		grader:    grader,
		validate:  validator.New(),
		log:       log,
		conf:      conf,
	}
}

// Enqueue publishes a process_submission task for sub. The message ID is
// derived from the submission so duplicate enqueues within the broker's
// dedupe window collapse.
func (svc *Service) Enqueue(ctx context.Context, submissionID string) error {
	task, err := core.NewTask(core.TaskProcessSubmission, ProcessPayload{SubmissionID: submissionID})
	if err != nil {
		return errors.Wrap(err, "marshaling process task")
	}
	return svc.broker.Publish(ctx, core.TopicProcessSubmission, task,
		core.PublishOptions{MsgID: "process:" + submissionID})
}

// HandleProcessTask consumes one process_submission delivery. It resumes
// from the submission's persisted state, so duplicate or out-of-order
// deliveries are safe: completed stages are skipped and the conditional
// update is the only write path.
func (svc *Service) HandleProcessTask(ctx context.Context, t core.Task) error {
	var pl ProcessPayload
	if err := json.Unmarshal(t.Payload, &pl); err != nil {
		return core.NewInputError(StagePersistence, errors.Wrap(err, "malformed task payload"))
	}
	if err := svc.validate.Struct(pl); err != nil {
		return core.NewInputError(StagePersistence, err)
	}

	sub, err := svc.repo.GetSubmission(ctx, pl.SubmissionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return core.NewInputError(StagePersistence, err)
		}
		return core.NewTransientError(StagePersistence, err)
	}

	// Claim: first delivery moves submitted -> processing. Losing the
	// race means another worker owns the submission; reload and resume.
	if sub.Status == StatusSubmitted {
		now := nowFunc().UTC()
		st := StatusProcessing
		claimed, err := svc.repo.UpdateSubmission(ctx, sub.ID, StatusSubmitted, Patch{Status: &st, StartedAt: &now})
		switch {
		case err == nil:
			sub = claimed
		case errors.Is(err, ErrStatusConflict):
			if sub, err = svc.repo.GetSubmission(ctx, sub.ID); err != nil {
				return core.NewTransientError(StagePersistence, err)
			}
		default:
			return core.NewTransientError(StagePersistence, err)
		}
	}

	if sub.Status == StatusProcessing {
		if sub, err = svc.runExtraction(ctx, sub); err != nil {
			return svc.fail(ctx, t, sub, StageExtraction, err)
		}
		if sub.Status == StatusReviewNeeded {
			processedTotal.WithLabelValues("review_needed").Inc()
			return nil
		}
	}

	if sub.Status == StatusOCRComplete {
		st := StatusGrading
		claimed, err := svc.repo.UpdateSubmission(ctx, sub.ID, StatusOCRComplete, Patch{Status: &st})
		switch {
		case err == nil:
			sub = claimed
		case errors.Is(err, ErrStatusConflict):
			if sub, err = svc.repo.GetSubmission(ctx, sub.ID); err != nil {
				return core.NewTransientError(StagePersistence, err)
			}
		default:
			return core.NewTransientError(StagePersistence, err)
		}
	}

	// A submission found already in grading is resumed here: the provider
	// call is repeated and the grading -> graded conditional update lets
	// exactly one worker persist the result.
	if sub.Status == StatusGrading {
		if sub, err = svc.runGrading(ctx, sub); err != nil {
			if core.IsConflict(err) {
				return nil
			}
			return svc.fail(ctx, t, sub, StageGrading, err)
		}
	}

	if sub.Status == StatusGraded {
		// Re-entering a completed stage performs no work and proceeds to
		// enqueueing the next one; the notification handler dedupes.
		if err = svc.enqueueNotification(ctx, sub); err != nil {
			return core.NewTransientError(StageNotification, err)
		}
	}
	return nil
}

func (svc *Service) runExtraction(ctx context.Context, sub Submission) (Submission, error) {
	if len(sub.Files) == 0 {
		return sub, core.NewInputError(StageExtraction, errors.New("submission has no source files"))
	}

	timer := prometheus.NewTimer(stageDuration.WithLabelValues(StageExtraction))
	ext, err := svc.extractFiles(ctx, sub.Files)
	timer.ObserveDuration()
	if err != nil {
		return sub, err
	}

	now := nowFunc().UTC()
	if ext.Confidence < svc.conf.Extraction.ConfidenceFloor {
		// Terminal for the pipeline, not an error: a human must confirm
		// or supply the text. The low-confidence extraction is persisted
		// for the reviewer.
		st := StatusReviewNeeded
		updated, err := svc.repo.UpdateSubmission(ctx, sub.ID, StatusProcessing, Patch{
			Status:      &st,
			Extraction:  &ext,
			ExtractedAt: &now,
		})
		if errors.Is(err, ErrStatusConflict) {
			return svc.reload(ctx, sub.ID)
		}
		if err != nil {
			return sub, core.NewTransientError(StagePersistence, err)
		}
		svc.log.Info(fmt.Sprintf("submission %s needs review (confidence %.2f < %.2f)",
			sub.ID, ext.Confidence, svc.conf.Extraction.ConfidenceFloor))
		return updated, nil
	}

	st := StatusOCRComplete
	updated, err := svc.repo.UpdateSubmission(ctx, sub.ID, StatusProcessing, Patch{
		Status:      &st,
		Extraction:  &ext,
		ExtractedAt: &now,
	})
	if errors.Is(err, ErrStatusConflict) {
		return svc.reload(ctx, sub.ID)
	}
	if err != nil {
		return sub, core.NewTransientError(StagePersistence, err)
	}
	return updated, nil
}

// extractFiles runs extraction per file and aggregates: texts are joined in
// file order, the document confidence is the lowest file confidence.
func (svc *Service) extractFiles(ctx context.Context, files []SourceFile) (Extraction, error) {
	agg := Extraction{Confidence: 1}
	for i, f := range files {
		ext, err := svc.extractor.Extract(ctx, f)
		if err != nil {
			return Extraction{}, err
		}
		if i > 0 {
			agg.Text += "\n\n"
		}
		agg.Text += ext.Text
		agg.Lines = append(agg.Lines, ext.Lines...)
		if ext.Confidence < agg.Confidence {
			agg.Confidence = ext.Confidence
		}
	}
	return agg, nil
}

func (svc *Service) runGrading(ctx context.Context, sub Submission) (Submission, error) {
	if sub.Extraction == nil {
		// cannot happen through the state machine; guard anyway
		return sub, core.NewInputError(StageGrading, errors.New("no extracted text"))
	}

	rubric, err := svc.rubrics.GetAssignmentRubric(ctx, sub.AssignmentID)
	if err != nil {
		if errors.Is(err, assignment.ErrNotFound) {
			return sub, core.NewInputError(StageGrading, err)
		}
		return sub, core.NewTransientError(StagePersistence, err)
	}

	timer := prometheus.NewTimer(stageDuration.WithLabelValues(StageGrading))
	grade, err := svc.grader.Grade(ctx, sub.Extraction.Text, rubric)
	timer.ObserveDuration()
	if err != nil {
		return sub, err
	}
	if err = svc.validate.Struct(grade); err != nil {
		return sub, core.NewProviderError(StageGrading, errors.Wrap(err, "invalid grade"))
	}

	now := nowFunc().UTC()
	st := StatusGraded
	updated, err := svc.repo.UpdateSubmission(ctx, sub.ID, StatusGrading, Patch{
		Status:   &st,
		Grade:    &grade,
		GradedAt: &now,
	})
	if errors.Is(err, ErrStatusConflict) {
		// another worker persisted first; success no-op
		return sub, core.NewConflictError(StageGrading, err)
	}
	if err != nil {
		return sub, core.NewTransientError(StagePersistence, err)
	}
	processedTotal.WithLabelValues("graded").Inc()
	return updated, nil
}

func (svc *Service) enqueueNotification(ctx context.Context, sub Submission) error {
	return svc.notify(ctx, sub, notif.TypeSubmissionGraded,
		fmt.Sprintf("Submission by %s was graded %.1f/%.1f.", sub.StudentName, sub.Grade.Score, sub.Grade.MaxScore))
}

func (svc *Service) notify(ctx context.Context, sub Submission, typ, content string) error {
	task, err := core.NewTask(core.TaskSendNotification, notif.SendPayload{
		UserID:            sub.OwnerID,
		Type:              typ,
		Content:           content,
		RelatedResourceID: sub.ID,
	})
	if err != nil {
		return err
	}
	// deterministic message ID: duplicate graded deliveries within the
	// broker's dedupe window collapse to one notification task
	return svc.broker.Publish(ctx, core.TopicSendNotification, task,
		core.PublishOptions{MsgID: typ + ":" + sub.ID})
}

// fail maps a classified stage error to the submission record and to the
// broker's retry semantics.
func (svc *Service) fail(ctx context.Context, t core.Task, sub Submission, stage string, err error) error {
	kind := core.KindOf(err)
	stageFailures.WithLabelValues(stage, kind.String()).Inc()
	rec := ErrorRecord{Stage: stage, Message: err.Error(), At: nowFunc().UTC()}

	switch kind {
	case core.KindConflict:
		return nil

	case core.KindTransient:
		if t.Deliveries >= t.MaxDeliveries && t.MaxDeliveries > 0 {
			// retry budget exhausted: record the final failure, park the
			// submission and let the broker dead-letter the message
			svc.markError(ctx, sub, rec)
			svc.notifyError(ctx, sub, rec)
			processedTotal.WithLabelValues("error").Inc()
			return core.NewProviderError(stage, errors.Wrap(err, "retries exhausted"))
		}
		retries := t.Deliveries
		if _, uerr := svc.repo.UpdateSubmission(ctx, sub.ID, sub.Status, Patch{
			RetryCount:   &retries,
			AppendErrors: []ErrorRecord{rec},
		}); uerr != nil && !errors.Is(uerr, ErrStatusConflict) {
			svc.log.Warn(fmt.Sprintf("submission %s: recording %s failure: %v", sub.ID, stage, uerr))
		}
		return err

	default: // permanent input/provider
		svc.markError(ctx, sub, rec)
		svc.notifyError(ctx, sub, rec)
		processedTotal.WithLabelValues("error").Inc()
		return err
	}
}

func (svc *Service) notifyError(ctx context.Context, sub Submission, rec ErrorRecord) {
	content := fmt.Sprintf("Submission by %s failed during %s: %s", sub.StudentName, rec.Stage, rec.Message)
	if err := svc.notify(ctx, sub, notif.TypeSubmissionError, content); err != nil {
		svc.log.Warn(fmt.Sprintf("submission %s: enqueueing error notification: %v", sub.ID, err))
	}
}

func (svc *Service) markError(ctx context.Context, sub Submission, rec ErrorRecord) {
	st := StatusError
	expected := sub.Status
	for attempt := 0; attempt < 2; attempt++ {
		_, err := svc.repo.UpdateSubmission(ctx, sub.ID, expected, Patch{Status: &st, AppendErrors: []ErrorRecord{rec}})
		if err == nil {
			return
		}
		if !errors.Is(err, ErrStatusConflict) {
			svc.log.Error(fmt.Sprintf("submission %s: marking error: %v", sub.ID, err))
			return
		}
		cur, gerr := svc.repo.GetSubmission(ctx, sub.ID)
		if gerr != nil || cur.Status.Terminal() {
			return
		}
		expected = cur.Status
	}
}

func (svc *Service) reload(ctx context.Context, id string) (Submission, error) {
	sub, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return sub, core.NewTransientError(StagePersistence, err)
	}
	return sub, nil
}

// Reprocess is the human re-trigger path out of error (and the manual
// re-enqueue for stale submissions). It rewinds an errored submission to
// its last completed stage, then re-enqueues the same process task; the
// idempotency rule resumes from there instead of redoing completed work.
func (svc *Service) Reprocess(ctx context.Context, id string) error {
	sub, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == StatusError {
		resume := StatusSubmitted
		if sub.Extraction != nil && sub.Extraction.Confidence >= svc.conf.Extraction.ConfidenceFloor {
			resume = StatusOCRComplete
		}
		if _, err = svc.repo.UpdateSubmission(ctx, id, StatusError, Patch{Status: &resume}); err != nil {
			return errors.Wrap(err, "rewinding submission")
		}
	}

	// a fresh message ID: the original enqueue's deterministic ID may still
	// be inside the broker's duplicate window, which would swallow the
	// re-trigger
	task, err := core.NewTask(core.TaskProcessSubmission, ProcessPayload{SubmissionID: id})
	if err != nil {
		return errors.Wrap(err, "marshaling process task")
	}
	return svc.broker.Publish(ctx, core.TopicProcessSubmission, task,
		core.PublishOptions{MsgID: fmt.Sprintf("reprocess:%s:%d", id, nowFunc().UnixNano())})
}

// OverrideGrade is the human-override path: it may overwrite the grade
// after the pipeline completed (graded -> reviewed), or supply one for a
// submission parked in review_needed.
func (svc *Service) OverrideGrade(ctx context.Context, id string, grade Grade) (Submission, error) {
	if err := svc.validate.Struct(grade); err != nil {
		return Submission{}, core.NewValidationError(err)
	}
	sub, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}

	grade.GradedBy = GraderHuman
	if sub.Grade != nil && sub.Grade.GradedBy == GraderAI {
		grade.GradedBy = GraderBoth
	}

	var expected Status
	switch sub.Status {
	case StatusGraded, StatusReviewNeeded:
		expected = sub.Status
	default:
		return Submission{}, errors.Errorf("cannot override grade in status %q", sub.Status)
	}

	now := nowFunc().UTC()
	st := StatusReviewed
	return svc.repo.UpdateSubmission(ctx, id, expected, Patch{Status: &st, Grade: &grade, GradedAt: &now})
}

// FindStale lists submissions stuck in processing or grading longer than
// the configured staleness window; the pipeline does not self-heal these,
// they are surfaced for manual re-enqueue.
func (svc *Service) FindStale(ctx context.Context) ([]Submission, error) {
	return svc.repo.FilterSubmissions(ctx, QueryFilter{
		Statuses:      []Status{StatusProcessing, StatusGrading},
		UpdatedBefore: nowFunc().UTC().Add(-svc.conf.StalenessWindow),
	})
}
