package mem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

func testBroker() *Broker {
	return NewBroker(Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
}

func newTask(t *testing.T) core.Task {
	t.Helper()
	task, err := core.NewTask("test_task", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewTask() failed: %v", err)
	}
	return task
}

type recorder struct {
	mu         sync.Mutex
	deliveries []int // Deliveries value seen per invocation
	results    []error
}

// pop returns the scripted result for the nth invocation; past the script
// it succeeds.
func (r *recorder) handler(_ context.Context, task core.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, task.Deliveries)
	if n := len(r.deliveries) - 1; n < len(r.results) {
		return r.results[n]
	}
	return nil
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

func TestPublishSubscribe(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	rec := &recorder{}
	if err := b.Subscribe("tasks.test", "workers", rec.handler, core.SubscribeOptions{Concurrency: 2}); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if err := b.Publish(context.Background(), "tasks.test", newTask(t)); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	b.Wait()

	if got := rec.seen(); len(got) != 1 || got[0] != 1 {
		t.Errorf("deliveries = %v, want [1]", got)
	}
	if dead, _ := b.ListDeadLetters(context.Background(), 0); len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dead))
	}
}

func TestTransientRetryThenSuccess(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	transient := core.NewTransientError("stage", errors.New("timeout"))
	rec := &recorder{results: []error{transient, transient, nil}}
	_ = b.Subscribe("tasks.test", "workers", rec.handler, core.SubscribeOptions{})
	_ = b.Publish(context.Background(), "tasks.test", newTask(t))
	b.Wait()

	if got := rec.seen(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("deliveries = %v, want [1 2 3]", got)
	}
	if dead, _ := b.ListDeadLetters(context.Background(), 0); len(dead) != 0 {
		t.Errorf("dead letters = %d; a recovered task must not dead-letter", len(dead))
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	transient := core.NewTransientError("stage", errors.New("timeout"))
	rec := &recorder{results: []error{transient, transient, transient, transient}}
	_ = b.Subscribe("tasks.test", "workers", rec.handler, core.SubscribeOptions{})

	task := newTask(t)
	_ = b.Publish(context.Background(), "tasks.test", task)
	b.Wait()

	if got := rec.seen(); len(got) != 3 {
		t.Errorf("attempts = %d, want 3 (MaxRetries)", len(got))
	}
	dead, _ := b.ListDeadLetters(context.Background(), 0)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want exactly 1", len(dead))
	}
	if dead[0].Task.ID != task.ID || dead[0].Topic != "tasks.test" {
		t.Errorf("dead letter = %+v", dead[0])
	}
}

func TestFatalErrorDeadLettersImmediately(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	fatal := core.NewInputError("stage", errors.New("corrupt payload"))
	rec := &recorder{results: []error{fatal}}
	_ = b.Subscribe("tasks.test", "workers", rec.handler, core.SubscribeOptions{})
	_ = b.Publish(context.Background(), "tasks.test", newTask(t))
	b.Wait()

	if got := rec.seen(); len(got) != 1 {
		t.Errorf("attempts = %d; permanent failures must not retry", len(got))
	}
	if dead, _ := b.ListDeadLetters(context.Background(), 0); len(dead) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dead))
	}
}

func TestPublishDedupesByMsgID(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	rec := &recorder{}
	_ = b.Subscribe("tasks.test", "workers", rec.handler, core.SubscribeOptions{})

	opts := core.PublishOptions{MsgID: "process:sub-1"}
	// distinct envelopes, same dedupe key
	_ = b.Publish(context.Background(), "tasks.test", newTask(t), opts)
	_ = b.Publish(context.Background(), "tasks.test", newTask(t), opts)
	b.Wait()

	if got := rec.seen(); len(got) != 1 {
		t.Errorf("deliveries = %d, want 1 (duplicate suppressed)", len(got))
	}
}

func TestEachGroupGetsOneDelivery(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	recA := &recorder{}
	recB := &recorder{}
	_ = b.Subscribe("tasks.test", "group-a", recA.handler, core.SubscribeOptions{})
	_ = b.Subscribe("tasks.test", "group-b", recB.handler, core.SubscribeOptions{})
	_ = b.Publish(context.Background(), "tasks.test", newTask(t))
	b.Wait()

	if len(recA.seen()) != 1 || len(recB.seen()) != 1 {
		t.Errorf("deliveries = %d/%d, want one per group", len(recA.seen()), len(recB.seen()))
	}
}

func TestRequeueDeadLetters(t *testing.T) {
	b := testBroker()
	defer func() { _ = b.Close() }()

	fatal := core.NewProviderError("stage", errors.New("bad model output"))
	rec := &recorder{results: []error{fatal}}
	_ = b.Subscribe("tasks.test", "workers", rec.handler, core.SubscribeOptions{})
	_ = b.Publish(context.Background(), "tasks.test", newTask(t))
	b.Wait()

	if dead, _ := b.ListDeadLetters(context.Background(), 0); len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}

	n, err := b.RequeueDeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("RequeueDeadLetters() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	b.Wait()

	got := rec.seen()
	if len(got) != 2 {
		t.Fatalf("deliveries = %v; expected the replay to be delivered", got)
	}
	if got[1] != 1 {
		t.Errorf("replay Deliveries = %d, want 1 (retry budget restarts)", got[1])
	}
	if dead, _ := b.ListDeadLetters(context.Background(), 0); len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0 after requeue", len(dead))
	}
}
