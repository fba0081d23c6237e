// Package nats implements the task broker on NATS JetStream: durable
// streams, queue-group consumers with manual acknowledgement, exponential
// redelivery backoff and dead-lettering onto a separate stream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

const (
	taskSubjectPrefix = "tasks."
	dlqSubjectPrefix  = "dlq."

	dedupeWindow = 2 * time.Minute
)

type Broker struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	conf *core.Config
	log  core.Logger

	mu    sync.Mutex
	subs  []*nats.Subscription
	pools []*workerpool.WorkerPool
}

var _ core.Broker = (*Broker)(nil)

// Connect dials the broker and ensures the task and dead-letter streams
// exist. The connection reconnects indefinitely; JetStream consumers are
// server-side state, so subscriptions survive reconnects without message
// loss for persisted messages.
func Connect(conf *core.Config, log core.Logger) (*Broker, error) {
	opts := []nats.Option{
		nats.Name(conf.AppName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn(fmt.Sprintf("broker disconnected: %v", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(fmt.Sprintf("broker reconnected to %s", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) && sub != nil {
				dropped, _ := sub.Dropped()
				log.Warn(fmt.Sprintf("slow consumer on subject %q: dropped %d messages", sub.Subject, dropped))
				return
			}
			log.Error(fmt.Sprintf("broker async error: %v", err))
		}),
	}
	nc, err := nats.Connect(conf.Broker.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "opening JetStream context")
	}

	b := &Broker{nc: nc, js: js, conf: conf, log: log}
	if err = b.ensureStream(conf.Broker.Stream, taskSubjectPrefix+">"); err != nil {
		nc.Close()
		return nil, err
	}
	if err = b.ensureStream(conf.Broker.DeadLetterStream, dlqSubjectPrefix+">"); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream(name, subjects string) error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subjects},
		Retention:  nats.InterestPolicy,
		Duplicates: dedupeWindow,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return errors.Wrapf(err, "ensuring stream %s", name)
	}
	return nil
}

// Publish persists the task on the stream before returning; a successful
// return means the message is durable.
func (b *Broker) Publish(ctx context.Context, topic string, task core.Task, opts ...core.PublishOptions) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshaling task")
	}
	msgID := task.ID
	if len(opts) > 0 && opts[0].MsgID != "" {
		msgID = opts[0].MsgID
	}
	_, err = b.js.Publish(topic, data, nats.MsgId(msgID), nats.Context(ctx))
	return errors.Wrapf(err, "publishing to %s", topic)
}

// Subscribe registers a durable queue-group consumer. Handler invocations
// are dispatched on a worker pool bounded by opts.Concurrency; opts.Prefetch
// bounds unacknowledged deliveries held by this consumer.
func (b *Broker) Subscribe(topic, group string, handler core.TaskHandler, opts core.SubscribeOptions) error {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = opts.Concurrency
	}
	pool := workerpool.New(opts.Concurrency)

	sub, err := b.js.QueueSubscribe(topic, group,
		func(m *nats.Msg) {
			pool.Submit(func() { b.dispatch(topic, m, handler) })
		},
		nats.Durable(group),
		nats.ManualAck(),
		nats.AckWait(b.conf.Broker.AckWait),
		// server-side backstop; the dispatcher dead-letters before this bound is hit
		nats.MaxDeliver(b.conf.Broker.MaxRetries+1),
		nats.MaxAckPending(opts.Prefetch),
		nats.BindStream(b.conf.Broker.Stream),
	)
	if err != nil {
		pool.Stop()
		return errors.Wrapf(err, "subscribing to %s", topic)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.pools = append(b.pools, pool)
	b.mu.Unlock()
	return nil
}

func (b *Broker) dispatch(topic string, m *nats.Msg, handler core.TaskHandler) {
	var task core.Task
	if err := json.Unmarshal(m.Data, &task); err != nil {
		b.deadLetter(topic, core.Task{Payload: m.Data}, errors.Wrap(err, "malformed task envelope"))
		_ = m.Term()
		return
	}

	deliveries := 1
	if meta, err := m.Metadata(); err == nil {
		deliveries = int(meta.NumDelivered)
	}
	task.Deliveries = deliveries
	task.MaxDeliveries = b.conf.Broker.MaxRetries

	// keep the message lease alive while the handler runs so an external
	// provider call slower than AckWait is not redelivered mid-processing
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(b.conf.Broker.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = m.InProgress()
			case <-done:
				return
			}
		}
	}()

	err := handler(context.Background(), task)
	close(done)

	switch {
	case err == nil:
		if aerr := m.Ack(); aerr != nil {
			b.log.Warn(fmt.Sprintf("acking task %s: %v", task.ID, aerr))
		}
	case core.IsTransient(err) && deliveries < b.conf.Broker.MaxRetries:
		if nerr := m.NakWithDelay(b.backoff(err, deliveries)); nerr != nil {
			b.log.Warn(fmt.Sprintf("nacking task %s: %v", task.ID, nerr))
		}
	default:
		b.deadLetter(topic, task, err)
		if terr := m.Term(); terr != nil {
			b.log.Warn(fmt.Sprintf("terminating task %s: %v", task.ID, terr))
		}
	}
}

func (b *Broker) backoff(err error, deliveries int) time.Duration {
	d := b.conf.Broker.RetryBackoffBase << (deliveries - 1)
	if d > b.conf.Broker.RetryBackoffMax {
		d = b.conf.Broker.RetryBackoffMax
	}
	if ra := core.RetryAfterOf(err); ra > d {
		d = ra
	}
	return d
}

func (b *Broker) deadLetter(topic string, task core.Task, cause error) {
	dl := core.DeadLetter{
		Task:    task,
		Topic:   topic,
		Reason:  cause.Error(),
		MovedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		b.log.Error(fmt.Sprintf("marshaling dead letter for task %s: %v", task.ID, err))
		return
	}
	subj := dlqSubjectPrefix + strings.TrimPrefix(topic, taskSubjectPrefix)
	if _, err = b.js.Publish(subj, data); err != nil {
		b.log.Error(fmt.Sprintf("dead-lettering task %s: %v", task.ID, err))
		return
	}
	b.log.Warn(fmt.Sprintf("task %s (topic %s) moved to dead letter: %v", task.ID, topic, cause))
}

// ListDeadLetters peeks at dead-lettered messages without consuming them.
func (b *Broker) ListDeadLetters(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	sub, err := b.js.PullSubscribe(dlqSubjectPrefix+">", "",
		nats.BindStream(b.conf.Broker.DeadLetterStream))
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to dead letters")
	}
	defer func() { _ = sub.Unsubscribe() }()

	msgs, err := sub.Fetch(limit, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrap(err, "fetching dead letters")
	}
	out := make([]core.DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		var dl core.DeadLetter
		if err = json.Unmarshal(m.Data, &dl); err != nil {
			continue
		}
		out = append(out, dl)
		_ = m.Nak() // peek only; release for the next reader
	}
	return out, nil
}

// RequeueDeadLetters replays up to limit dead-lettered tasks onto their
// original topics; the redelivery counter restarts.
func (b *Broker) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	sub, err := b.js.PullSubscribe(dlqSubjectPrefix+">", "mwalimu-dlq-requeue",
		nats.BindStream(b.conf.Broker.DeadLetterStream))
	if err != nil {
		return 0, errors.Wrap(err, "subscribing to dead letters")
	}
	defer func() { _ = sub.Unsubscribe() }()

	msgs, err := sub.Fetch(limit, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return 0, errors.Wrap(err, "fetching dead letters")
	}

	requeued := 0
	for _, m := range msgs {
		var dl core.DeadLetter
		if err = json.Unmarshal(m.Data, &dl); err != nil {
			_ = m.Term()
			continue
		}
		// fresh message ID so the replay is not suppressed as a duplicate
		if err = b.Publish(ctx, dl.Topic, dl.Task, core.PublishOptions{MsgID: fmt.Sprintf("requeue:%s:%d", dl.Task.ID, time.Now().UnixNano())}); err != nil {
			_ = m.Nak()
			return requeued, err
		}
		_ = m.Ack()
		requeued++
	}
	return requeued, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	subs, pools := b.subs, b.pools
	b.subs, b.pools = nil, nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Drain()
	}
	for _, pool := range pools {
		pool.StopWait()
	}
	return b.nc.Drain()
}
