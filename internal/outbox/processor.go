// Package outbox drives the asynchronous reliability pipeline: every
// committed message leaves a durable row behind, and the processor turns
// those rows into broadcasts, unread counters and push jobs at least once.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/infra/client/membership"
	adapterpubsub "github.com/webitel/im-message-service/internal/adapter/pubsub"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/metrics"
	"github.com/webitel/im-message-service/internal/presence"
	"github.com/webitel/im-message-service/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	stuckAfter    = 5 * time.Minute
	sweepInterval = time.Minute
)

type Config struct {
	Workers     int
	BatchSize   int
	PollEvery   time.Duration
	MaxAttempts int32
}

// Processor runs the outbox worker pool. Rows are partitioned by channel
// hash so two workers never process the same channel concurrently, which
// preserves per-channel ordering end to end.
type Processor struct {
	store      storage.OutboxStore
	members    membership.Resolver
	unread     storage.UnreadStore
	presence   presence.Registry
	dispatcher adapterpubsub.EventDispatcher
	notifier   Notifier
	metrics    *metrics.Set
	logger     *slog.Logger
	cfg        Config

	cancel context.CancelFunc
	done   chan struct{}
}

func NewProcessor(
	store storage.OutboxStore,
	members membership.Resolver,
	unread storage.UnreadStore,
	reg presence.Registry,
	dispatcher adapterpubsub.EventDispatcher,
	notifier Notifier,
	set *metrics.Set,
	logger *slog.Logger,
	cfg Config,
) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Processor{
		store:      store,
		members:    members,
		unread:     unread,
		presence:   reg,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    set,
		logger:     logger,
		cfg:        cfg,
		done:       make(chan struct{}),
	}
}

// Start launches the worker pool and the stuck-row sweeper.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.runSweeper(ctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		close(p.done)
	}()
	p.logger.Info("OUTBOX_STARTED", "workers", p.cfg.Workers, "batch", p.cfg.BatchSize)
}

// Stop cancels the pool and waits for in-flight batches to settle.
func (p *Processor) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) runWorker(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollEvery)
	defer ticker.Stop()

	for {
		n := p.drain(ctx, worker)
		if ctx.Err() != nil {
			return
		}
		// A full batch means more rows are likely waiting; skip the idle wait.
		if n >= p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) drain(ctx context.Context, worker int) int {
	rows, err := p.store.ClaimBatch(ctx, worker, p.cfg.Workers, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("OUTBOX_CLAIM_FAILED", "worker", worker, "err", err)
		}
		return 0
	}
	p.metrics.OutboxBacklog.Set(float64(len(rows)))

	// blocked pins channels whose head row hit a transient failure. The
	// rows behind it are pushed back untouched: letting them settle would
	// advance the recipients' watermarks past the failed row and its
	// unread increments would be suppressed forever on retry.
	blocked := make(map[uuid.UUID]time.Time)
	for _, row := range rows {
		if ctx.Err() != nil {
			return len(rows)
		}
		if until, ok := blocked[row.ChannelID]; ok {
			p.requeueBehind(ctx, row, until)
			continue
		}
		if retryAt, done := p.process(ctx, row); !done {
			blocked[row.ChannelID] = retryAt
		}
	}
	return len(rows)
}

// requeueBehind re-pends a row the worker never touched, due together with
// the blocked head of its channel. The attempt count is not charged.
func (p *Processor) requeueBehind(ctx context.Context, row *model.OutboxRow, until time.Time) {
	if err := p.store.Retry(ctx, row.MsgID, row.Attempt, until); err != nil && ctx.Err() == nil {
		p.logger.Error("OUTBOX_RETRY_WRITE_FAILED", "msg_id", row.MsgID, "err", err)
	}
}

// process walks one row through broadcasting, delivered and done. Every
// stage is idempotent, so a crash between stages only costs a repeat of
// already-safe work after RequeueStuck fires.
//
// done=false reports a transient failure with its retry deadline; the
// caller must hold back the rest of the channel until then. Rows parked in
// failed return done=true because nothing behind them can still be waiting
// on their effects.
func (p *Processor) process(ctx context.Context, row *model.OutboxRow) (retryAt time.Time, done bool) {
	var env model.Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		// Corrupt payload never heals; park it immediately.
		p.logger.Error("OUTBOX_PAYLOAD_CORRUPT", "msg_id", row.MsgID, "err", err)
		p.fail(ctx, row)
		return time.Time{}, true
	}

	// Stage 1: make sure the bus saw the event at least once. Rows the
	// fast path flagged as published skip straight to accounting instead
	// of broadcasting every message twice.
	if !row.Published {
		ev := event.NewMessageEvent(event.KindForOutbox(row.Kind), &env)
		if err := p.dispatcher.Publish(ctx, ev); err != nil {
			return p.retry(ctx, row, err)
		}
	}
	if err := p.store.MarkDelivered(ctx, row.MsgID); err != nil {
		return p.retry(ctx, row, err)
	}

	// Stage 2: unread accounting and offline push, created rows only.
	// Update and delete rows change no counters.
	if row.Kind == model.OutboxMessageCreated {
		if err := p.settle(ctx, row, &env); err != nil {
			return p.retry(ctx, row, err)
		}
	}

	if err := p.store.MarkDone(ctx, row.MsgID); err != nil {
		return p.retry(ctx, row, err)
	}
	p.metrics.OutboxLag.Observe(time.Since(row.CreatedAt).Seconds())
	return time.Time{}, true
}

func (p *Processor) settle(ctx context.Context, row *model.OutboxRow, env *model.Envelope) error {
	ms, err := p.members.Resolve(ctx, row.ChannelID)
	if err != nil {
		// A vanished channel has nobody left to notify.
		if model.KindOf(err) == model.KindNotFound {
			return nil
		}
		return err
	}

	recipients := make([]uuid.UUID, 0, len(ms.Members))
	for _, member := range ms.Members {
		if member != row.SenderID {
			recipients = append(recipients, member)
		}
	}

	// System messages are visible but never bump counters.
	if model.ParseMessageType(env.Type) != model.TypeSystem {
		for _, member := range recipients {
			// The watermark check inside makes re-runs of this loop free.
			if _, err := p.unread.ApplyIncrement(ctx, member, row.ChannelID, row.SeqID); err != nil {
				return err
			}
		}
	}

	online, err := p.presence.FilterOnline(ctx, recipients)
	if err != nil {
		// Presence down degrades to "push everyone": noisy beats silent.
		p.logger.Warn("PRESENCE_LOOKUP_FAILED", "channel_id", row.ChannelID, "err", err)
		online = nil
	}
	onlineSet := make(map[uuid.UUID]struct{}, len(online))
	for _, u := range online {
		onlineSet[u] = struct{}{}
	}
	offline := recipients[:0:0]
	for _, member := range recipients {
		if _, ok := onlineSet[member]; !ok {
			offline = append(offline, member)
		}
	}
	return p.notifier.NotifyOffline(ctx, env, offline)
}

// retry schedules the next attempt and reports its deadline with
// done=false. An exhausted budget parks the row and returns done=true.
func (p *Processor) retry(ctx context.Context, row *model.OutboxRow, cause error) (time.Time, bool) {
	attempt := row.Attempt + 1
	if attempt >= p.cfg.MaxAttempts {
		p.logger.Error("OUTBOX_EXHAUSTED", "msg_id", row.MsgID, "attempts", attempt, "err", cause)
		p.fail(ctx, row)
		return time.Time{}, true
	}

	delay := nextBackoff(attempt)
	nextAt := time.Now().Add(delay)
	p.logger.Warn("OUTBOX_RETRY",
		"msg_id", row.MsgID,
		"attempt", attempt,
		"delay", delay,
		"err", cause,
	)
	if err := p.store.Retry(ctx, row.MsgID, attempt, nextAt); err != nil && ctx.Err() == nil {
		p.logger.Error("OUTBOX_RETRY_WRITE_FAILED", "msg_id", row.MsgID, "err", err)
	}
	return nextAt, false
}

func (p *Processor) fail(ctx context.Context, row *model.OutboxRow) {
	p.metrics.OutboxFailures.Inc()
	if err := p.store.MarkFailed(ctx, row.MsgID); err != nil && ctx.Err() == nil {
		p.logger.Error("OUTBOX_FAIL_WRITE_FAILED", "msg_id", row.MsgID, "err", err)
	}
}

// runSweeper requeues rows a crashed worker left in a claimed state.
func (p *Processor) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueStuck(ctx, stuckAfter)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("OUTBOX_SWEEP_FAILED", "err", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("OUTBOX_REQUEUED_STUCK", "rows", n)
			}
		}
	}
}
