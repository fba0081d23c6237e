package submission_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/broker/mem"
	"github.com/trezcool/mwalimu/core"
	"github.com/trezcool/mwalimu/core/assignment"
	"github.com/trezcool/mwalimu/core/notif"
	"github.com/trezcool/mwalimu/core/submission"
	dummydb "github.com/trezcool/mwalimu/storage/database/dummy"
	"github.com/trezcool/mwalimu/tests"
)

type publishedTask struct {
	topic string
	task  core.Task
	msgID string
}

// fakeBroker records publishes; delivery is driven by the tests themselves.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishedTask
}

var _ core.Broker = (*fakeBroker)(nil)

func (b *fakeBroker) Publish(_ context.Context, topic string, task core.Task, opts ...core.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgID := task.ID
	if len(opts) > 0 && opts[0].MsgID != "" {
		msgID = opts[0].MsgID
	}
	b.published = append(b.published, publishedTask{topic: topic, task: task, msgID: msgID})
	return nil
}

func (b *fakeBroker) Subscribe(string, string, core.TaskHandler, core.SubscribeOptions) error {
	return nil
}
func (b *fakeBroker) ListDeadLetters(context.Context, int) ([]core.DeadLetter, error) {
	return nil, nil
}

func (b *fakeBroker) RequeueDeadLetters(context.Context, int) (int, error) {
	return 0, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) byTopic(topic string) []publishedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedTask
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(file submission.SourceFile) (submission.Extraction, error)
}

func (e *fakeExtractor) Extract(_ context.Context, file submission.SourceFile) (submission.Extraction, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.fn(file)
}

type fakeGrader struct {
	mu    sync.Mutex
	calls int
	fn    func(text string, rubric assignment.Rubric) (submission.Grade, error)
}

func (g *fakeGrader) Grade(_ context.Context, text string, rubric assignment.Rubric) (submission.Grade, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(text, rubric)
}

var testRubric = assignment.Rubric{
	AssignmentID: "essay-wk3",
	Title:        "Week 3 Essay",
	TotalPoints:  20,
	Criteria: []assignment.Criterion{
		{Name: "Thesis", MaxPoints: 8},
		{Name: "Evidence", MaxPoints: 12},
	},
}

func goodExtraction(file submission.SourceFile) (submission.Extraction, error) {
	return submission.Extraction{Text: "extracted from " + file.URI, Confidence: 0.95}, nil
}

func goodGrade(string, assignment.Rubric) (submission.Grade, error) {
	return submission.Grade{
		Score:    15,
		MaxScore: 20,
		Criteria: []submission.CriterionScore{
			{Name: "Thesis", Points: 6, MaxPoints: 8},
			{Name: "Evidence", Points: 9, MaxPoints: 12},
		},
		Feedback: "Good work.",
		GradedBy: submission.GraderAI,
	}, nil
}

type fixture struct {
	svc       *submission.Service
	repo      submission.Repository
	broker    *fakeBroker
	extractor *fakeExtractor
	grader    *fakeGrader
	conf      *core.Config
}

func setup(t *testing.T) *fixture {
	t.Helper()

	conf := &core.Config{}
	conf.Extraction.ConfidenceFloor = 0.8
	conf.Broker.MaxRetries = 3
	conf.StalenessWindow = 30 * time.Minute

	db, _ := dummydb.Open()
	repo := dummydb.NewSubmissionRepository(db)
	rubrics := dummydb.NewAssignmentRepository(db)
	rubrics.SetRubric(testRubric)

	broker := &fakeBroker{}
	extractor := &fakeExtractor{fn: goodExtraction}
	grader := &fakeGrader{fn: goodGrade}

	svc := submission.NewService(conf, testutil.NopLogger{}, repo, rubrics, broker, extractor, grader)
	return &fixture{svc: svc, repo: repo, broker: broker, extractor: extractor, grader: grader, conf: conf}
}

func processTask(t *testing.T, id string, deliveries int) core.Task {
	t.Helper()
	task, err := core.NewTask(core.TaskProcessSubmission, submission.ProcessPayload{SubmissionID: id})
	if err != nil {
		t.Fatalf("NewTask() failed: %v", err)
	}
	task.Deliveries = deliveries
	task.MaxDeliveries = 3
	return task
}

func testFiles() []submission.SourceFile {
	return []submission.SourceFile{{URI: "s3://uploads/essay.pdf", MimeType: "application/pdf", Size: 2048}}
}

func TestHandleProcessTask(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())

	if err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 1)); err != nil {
		t.Fatalf("HandleProcessTask() failed: %v", err)
	}

	got, err := f.repo.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission() failed: %v", err)
	}
	if got.Status != submission.StatusGraded {
		t.Errorf("Status = %s, want %s", got.Status, submission.StatusGraded)
	}
	if got.Extraction == nil || got.Extraction.Confidence != 0.95 {
		t.Errorf("Extraction = %+v; expected persisted extraction", got.Extraction)
	}
	if got.Grade == nil || got.Grade.Score != 15 || got.Grade.GradedBy != submission.GraderAI {
		t.Errorf("Grade = %+v; expected persisted AI grade", got.Grade)
	}
	if got.StartedAt == nil || got.ExtractedAt == nil || got.GradedAt == nil {
		t.Error("expected stage timestamps to be set")
	}

	// graded notification enqueued for the owner with a deterministic msg ID
	pubs := f.broker.byTopic(core.TopicSendNotification)
	if len(pubs) != 1 {
		t.Fatalf("notification publishes = %d, want 1", len(pubs))
	}
	if want := notif.TypeSubmissionGraded + ":" + sub.ID; pubs[0].msgID != want {
		t.Errorf("msgID = %q, want %q", pubs[0].msgID, want)
	}
	var pl notif.SendPayload
	if err = json.Unmarshal(pubs[0].task.Payload, &pl); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if pl.UserID != 1 || pl.Type != notif.TypeSubmissionGraded || pl.RelatedResourceID != sub.ID {
		t.Errorf("payload = %+v", pl)
	}
}

// Redelivery of a completed submission repeats no provider work; it only
// re-enqueues the notification under the same dedupe key.
func TestHandleProcessTaskIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())

	task := processTask(t, sub.ID, 1)
	if err := f.svc.HandleProcessTask(ctx, task); err != nil {
		t.Fatalf("HandleProcessTask() failed: %v", err)
	}
	task.Deliveries = 2
	if err := f.svc.HandleProcessTask(ctx, task); err != nil {
		t.Fatalf("HandleProcessTask() redelivery failed: %v", err)
	}

	if f.extractor.calls != 1 {
		t.Errorf("extractor calls = %d, want 1", f.extractor.calls)
	}
	if f.grader.calls != 1 {
		t.Errorf("grader calls = %d, want 1", f.grader.calls)
	}
	pubs := f.broker.byTopic(core.TopicSendNotification)
	for _, p := range pubs {
		if want := notif.TypeSubmissionGraded + ":" + sub.ID; p.msgID != want {
			t.Errorf("msgID = %q, want %q (broker-side dedupe key)", p.msgID, want)
		}
	}
}

func TestHandleProcessTaskLowConfidence(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.extractor.fn = func(submission.SourceFile) (submission.Extraction, error) {
		return submission.Extraction{Text: "barely legible", Confidence: 0.55}, nil
	}
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())

	if err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 1)); err != nil {
		t.Fatalf("HandleProcessTask() failed: %v", err)
	}

	got, _ := f.repo.GetSubmission(ctx, sub.ID)
	if got.Status != submission.StatusReviewNeeded {
		t.Errorf("Status = %s, want %s", got.Status, submission.StatusReviewNeeded)
	}
	if got.Extraction == nil || got.Extraction.Text != "barely legible" {
		t.Error("expected the low-confidence extraction to be persisted for the reviewer")
	}
	if f.grader.calls != 0 {
		t.Errorf("grader calls = %d; grading must not run below the confidence floor", f.grader.calls)
	}
	if pubs := f.broker.byTopic(core.TopicSendNotification); len(pubs) != 0 {
		t.Errorf("notification publishes = %d, want 0", len(pubs))
	}
}

// The lowest per-file confidence gates the whole document.
func TestHandleProcessTaskMultiFile(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.extractor.fn = func(file submission.SourceFile) (submission.Extraction, error) {
		if strings.Contains(file.URI, "page2") {
			return submission.Extraction{Text: "page two", Confidence: 0.82}, nil
		}
		return submission.Extraction{Text: "page one", Confidence: 0.97}, nil
	}
	files := []submission.SourceFile{
		{URI: "s3://uploads/page1.jpg", MimeType: "image/jpeg"},
		{URI: "s3://uploads/page2.jpg", MimeType: "image/jpeg"},
	}
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, files)

	if err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 1)); err != nil {
		t.Fatalf("HandleProcessTask() failed: %v", err)
	}

	got, _ := f.repo.GetSubmission(ctx, sub.ID)
	if got.Extraction == nil {
		t.Fatal("expected persisted extraction")
	}
	if got.Extraction.Text != "page one\n\npage two" {
		t.Errorf("Text = %q; expected file texts joined in order", got.Extraction.Text)
	}
	if got.Extraction.Confidence != 0.82 {
		t.Errorf("Confidence = %v; expected the minimum across files", got.Extraction.Confidence)
	}
}

func TestHandleProcessTaskRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.extractor.fn = func(submission.SourceFile) (submission.Extraction, error) {
		return submission.Extraction{}, core.NewTransientError(submission.StageExtraction, errors.New("provider timeout"))
	}
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())

	// deliveries 1 and 2 fail transiently: the broker will redeliver
	for d := 1; d <= 2; d++ {
		err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, d))
		if !core.IsTransient(err) {
			t.Fatalf("delivery %d: expected a transient error, got %v", d, err)
		}
		got, _ := f.repo.GetSubmission(ctx, sub.ID)
		if got.Status != submission.StatusProcessing {
			t.Fatalf("delivery %d: Status = %s, want %s", d, got.Status, submission.StatusProcessing)
		}
		if got.RetryCount != d {
			t.Errorf("delivery %d: RetryCount = %d, want %d", d, got.RetryCount, d)
		}
	}

	// final delivery exhausts the budget: parked in error, dead-lettered
	err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 3))
	if err == nil || core.IsTransient(err) {
		t.Fatalf("expected a non-transient error after exhaustion, got %v", err)
	}

	got, _ := f.repo.GetSubmission(ctx, sub.ID)
	if got.Status != submission.StatusError {
		t.Errorf("Status = %s, want %s", got.Status, submission.StatusError)
	}
	if len(got.Errors) != 3 {
		t.Errorf("len(Errors) = %d, want one record per failed attempt", len(got.Errors))
	}

	pubs := f.broker.byTopic(core.TopicSendNotification)
	if len(pubs) != 1 {
		t.Fatalf("notification publishes = %d, want 1", len(pubs))
	}
	var pl notif.SendPayload
	_ = json.Unmarshal(pubs[0].task.Payload, &pl)
	if pl.Type != notif.TypeSubmissionError {
		t.Errorf("notification type = %q, want %q", pl.Type, notif.TypeSubmissionError)
	}
}

func TestHandleProcessTaskPermanentFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.extractor.fn = func(submission.SourceFile) (submission.Extraction, error) {
		return submission.Extraction{}, core.NewInputError(submission.StageExtraction, errors.New("corrupt file"))
	}
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())

	err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 1))
	if err == nil || core.IsTransient(err) {
		t.Fatalf("expected an immediate non-transient error, got %v", err)
	}

	got, _ := f.repo.GetSubmission(ctx, sub.ID)
	if got.Status != submission.StatusError {
		t.Errorf("Status = %s, want %s", got.Status, submission.StatusError)
	}
	if len(got.Errors) != 1 {
		t.Errorf("len(Errors) = %d, want 1", len(got.Errors))
	}
}

func TestHandleProcessTaskUnknownSubmission(t *testing.T) {
	f := setup(t)
	err := f.svc.HandleProcessTask(context.Background(), processTask(t, "nope", 1))
	if kind := core.KindOf(err); kind != core.KindPermanentInput {
		t.Errorf("KindOf() = %v; an unknown submission must dead-letter, not retry", kind)
	}
}

func TestReprocess(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	// extraction never succeeded: rewind to the start
	f.extractor.fn = func(submission.SourceFile) (submission.Extraction, error) {
		return submission.Extraction{}, core.NewInputError(submission.StageExtraction, errors.New("corrupt file"))
	}
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	_ = f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 1))

	if err := f.svc.Reprocess(ctx, sub.ID); err != nil {
		t.Fatalf("Reprocess() failed: %v", err)
	}
	got, _ := f.repo.GetSubmission(ctx, sub.ID)
	if got.Status != submission.StatusSubmitted {
		t.Errorf("Status = %s, want %s", got.Status, submission.StatusSubmitted)
	}

	// a usable extraction survived the failure: resume at ocr_complete
	f.extractor.fn = goodExtraction
	f.grader.fn = func(string, assignment.Rubric) (submission.Grade, error) {
		return submission.Grade{}, core.NewInputError(submission.StageGrading, errors.New("empty text"))
	}
	sub2 := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	_ = f.svc.HandleProcessTask(ctx, processTask(t, sub2.ID, 1))
	if got, _ := f.repo.GetSubmission(ctx, sub2.ID); got.Status != submission.StatusError {
		t.Fatalf("Status = %s, want %s", got.Status, submission.StatusError)
	}

	if err := f.svc.Reprocess(ctx, sub2.ID); err != nil {
		t.Fatalf("Reprocess() failed: %v", err)
	}
	got2, _ := f.repo.GetSubmission(ctx, sub2.ID)
	if got2.Status != submission.StatusOCRComplete {
		t.Errorf("Status = %s, want %s (extraction must not be redone)", got2.Status, submission.StatusOCRComplete)
	}

	// both rewinds re-enqueued under fresh message IDs so the broker's
	// duplicate window cannot swallow the re-trigger
	pubs := f.broker.byTopic(core.TopicProcessSubmission)
	if len(pubs) != 2 {
		t.Fatalf("process publishes = %d, want 2", len(pubs))
	}
	if want := "reprocess:" + sub.ID + ":"; !strings.HasPrefix(pubs[0].msgID, want) {
		t.Errorf("msgID = %q, want prefix %q", pubs[0].msgID, want)
	}
}

// A manual re-trigger shortly after the original enqueue must still be
// delivered even though the original publish's deterministic message ID is
// inside the broker's duplicate window.
func TestReprocessDeliveredWithinDuplicateWindow(t *testing.T) {
	ctx := context.Background()

	conf := &core.Config{}
	conf.Extraction.ConfidenceFloor = 0.8
	conf.Broker.MaxRetries = 3

	db, _ := dummydb.Open()
	repo := dummydb.NewSubmissionRepository(db)
	rubrics := dummydb.NewAssignmentRepository(db)
	rubrics.SetRubric(testRubric)

	broker := mem.NewBroker(mem.Config{
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		DedupeWindow: 2 * time.Minute,
	})
	defer broker.Close()

	var (
		mu         sync.Mutex
		deliveries int
	)
	err := broker.Subscribe(core.TopicProcessSubmission, "pipeline", func(context.Context, core.Task) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		return nil
	}, core.SubscribeOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	svc := submission.NewService(conf, testutil.NopLogger{}, repo, rubrics, broker,
		&fakeExtractor{fn: goodExtraction}, &fakeGrader{fn: goodGrade})
	sub := testutil.CreateSubmission(t, repo, testRubric.AssignmentID, 1, testFiles())

	if err = svc.Enqueue(ctx, sub.ID); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err = svc.Reprocess(ctx, sub.ID); err != nil {
		t.Fatalf("Reprocess() failed: %v", err)
	}
	broker.Wait()

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 2 {
		t.Errorf("deliveries = %d, want 2 (re-trigger suppressed as a duplicate)", deliveries)
	}
}

func TestOverrideGrade(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	// override after the pipeline graded: both graders credited
	sub := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	if err := f.svc.HandleProcessTask(ctx, processTask(t, sub.ID, 1)); err != nil {
		t.Fatalf("HandleProcessTask() failed: %v", err)
	}

	human := submission.Grade{
		Score:    18,
		MaxScore: 20,
		Criteria: []submission.CriterionScore{{Name: "Thesis", Points: 8, MaxPoints: 8}, {Name: "Evidence", Points: 10, MaxPoints: 12}},
	}
	got, err := f.svc.OverrideGrade(ctx, sub.ID, human)
	if err != nil {
		t.Fatalf("OverrideGrade() failed: %v", err)
	}
	if got.Status != submission.StatusReviewed {
		t.Errorf("Status = %s, want %s", got.Status, submission.StatusReviewed)
	}
	if got.Grade.Score != 18 || got.Grade.GradedBy != submission.GraderBoth {
		t.Errorf("Grade = %+v; expected human override credited to both", got.Grade)
	}

	// supplying a grade for a review_needed submission: human only
	f.extractor.fn = func(submission.SourceFile) (submission.Extraction, error) {
		return submission.Extraction{Text: "blurry", Confidence: 0.3}, nil
	}
	sub2 := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	if err = f.svc.HandleProcessTask(ctx, processTask(t, sub2.ID, 1)); err != nil {
		t.Fatalf("HandleProcessTask() failed: %v", err)
	}
	got2, err := f.svc.OverrideGrade(ctx, sub2.ID, human)
	if err != nil {
		t.Fatalf("OverrideGrade() failed: %v", err)
	}
	if got2.Grade.GradedBy != submission.GraderHuman {
		t.Errorf("GradedBy = %s, want %s", got2.Grade.GradedBy, submission.GraderHuman)
	}

	// no override while the pipeline is mid-flight
	sub3 := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	if _, err = f.svc.OverrideGrade(ctx, sub3.ID, human); err == nil {
		t.Error("expected an error overriding a submitted submission")
	}
}

func TestFindStale(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	// a negative window puts the cutoff in the future so every in-flight
	// submission counts as stale
	f.conf.StalenessWindow = -time.Minute

	f.extractor.fn = func(submission.SourceFile) (submission.Extraction, error) {
		return submission.Extraction{}, core.NewTransientError(submission.StageExtraction, errors.New("timeout"))
	}
	stuck := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	_ = f.svc.HandleProcessTask(ctx, processTask(t, stuck.ID, 1)) // leaves it in processing

	fresh := testutil.CreateSubmission(t, f.repo, testRubric.AssignmentID, 1, testFiles())
	_ = fresh // still submitted; not a stale candidate

	stale, err := f.svc.FindStale(ctx)
	if err != nil {
		t.Fatalf("FindStale() failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != stuck.ID {
		t.Errorf("FindStale() = %d submissions; expected only the one stuck in processing", len(stale))
	}
}
