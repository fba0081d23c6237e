// Package mem provides an in-process implementation of the task broker with
// the same delivery semantics as the NATS implementation (at-least-once,
// delivery counts, exponential backoff, dead-lettering). It backs tests and
// broker-less local development; it is not durable.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DedupeWindow bounds duplicate-suppression by message ID, mirroring
	// the JetStream duplicate window.
	DedupeWindow time.Duration
}

type subscription struct {
	group   string
	handler core.TaskHandler
	sem     chan struct{}
}

type Broker struct {
	mu     sync.Mutex
	conf   Config
	subs   map[string]map[string]*subscription // topic -> group -> sub
	seen   map[string]time.Time                // message ID -> publish time
	dead   []core.DeadLetter
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

var _ core.Broker = (*Broker)(nil)

func NewBroker(conf Config) *Broker {
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = 3
	}
	if conf.BackoffBase <= 0 {
		conf.BackoffBase = time.Second
	}
	if conf.BackoffMax <= 0 {
		conf.BackoffMax = 30 * time.Second
	}
	if conf.DedupeWindow <= 0 {
		conf.DedupeWindow = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		conf:   conf,
		subs:   make(map[string]map[string]*subscription),
		seen:   make(map[string]time.Time),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Publish(_ context.Context, topic string, task core.Task, opts ...core.PublishOptions) error {
	msgID := task.ID
	if len(opts) > 0 && opts[0].MsgID != "" {
		msgID = opts[0].MsgID
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker closed")
	}
	if at, dup := b.seen[msgID]; dup && time.Since(at) < b.conf.DedupeWindow {
		b.mu.Unlock()
		return nil
	}
	b.seen[msgID] = time.Now()
	groups := make([]*subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		groups = append(groups, sub)
	}
	b.mu.Unlock()

	// one delivery per consumer group
	for _, sub := range groups {
		b.deliver(sub, topic, task, 1)
	}
	return nil
}

func (b *Broker) Subscribe(topic, group string, handler core.TaskHandler, opts core.SubscribeOptions) error {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker closed")
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscription)
	}
	if _, exists := b.subs[topic][group]; exists {
		return errors.Errorf("group %q already subscribed to %q", group, topic)
	}
	b.subs[topic][group] = &subscription{
		group:   group,
		handler: handler,
		sem:     make(chan struct{}, opts.Concurrency),
	}
	return nil
}

func (b *Broker) deliver(sub *subscription, topic string, task core.Task, attempt int) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		select {
		case sub.sem <- struct{}{}:
		case <-b.ctx.Done():
			return
		}
		task.Deliveries = attempt
		task.MaxDeliveries = b.conf.MaxRetries
		err := sub.handler(b.ctx, task)
		<-sub.sem

		switch {
		case err == nil:
			return
		case core.IsTransient(err) && attempt < b.conf.MaxRetries:
			select {
			case <-time.After(b.backoff(err, attempt)):
				b.deliver(sub, topic, task, attempt+1)
			case <-b.ctx.Done():
			}
		default:
			b.mu.Lock()
			b.dead = append(b.dead, core.DeadLetter{
				Task:    task,
				Topic:   topic,
				Reason:  err.Error(),
				MovedAt: time.Now().UTC(),
			})
			b.mu.Unlock()
		}
	}()
}

func (b *Broker) backoff(err error, attempt int) time.Duration {
	d := b.conf.BackoffBase << (attempt - 1)
	if d > b.conf.BackoffMax {
		d = b.conf.BackoffMax
	}
	if ra := core.RetryAfterOf(err); ra > d {
		d = ra
	}
	return d
}

func (b *Broker) ListDeadLetters(_ context.Context, limit int) ([]core.DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.dead) {
		limit = len(b.dead)
	}
	out := make([]core.DeadLetter, limit)
	copy(out, b.dead[:limit])
	return out, nil
}

func (b *Broker) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	b.mu.Lock()
	if limit <= 0 || limit > len(b.dead) {
		limit = len(b.dead)
	}
	batch := make([]core.DeadLetter, limit)
	copy(batch, b.dead[:limit])
	b.dead = b.dead[limit:]
	for _, dl := range batch {
		// let the replayed message through the dedupe guard
		delete(b.seen, dl.Task.ID)
	}
	b.mu.Unlock()

	for _, dl := range batch {
		if err := b.Publish(ctx, dl.Topic, dl.Task); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

// Wait blocks until all in-flight deliveries (including pending retries)
// settle; test helper.
func (b *Broker) Wait() {
	b.wg.Wait()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}
