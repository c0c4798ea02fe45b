// Package reconcile routes record mutations to the server while online and
// to the durable outbox while offline, and replays the outbox once the
// connection returns.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/tvsync/internal/gateway"
	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/tv"
)

const (
	NoticeAddedOffline   = "[OFFLINE] Tv added without syncing with server."
	NoticeUpdatedOffline = "[OFFLINE] Tv updated without syncing with server."
	NoticeDeletedOffline = "[OFFLINE] Tv deleted without syncing with server."
)

// Queue is the subset of the outbox the engine drives.
type Queue interface {
	EnqueueUpsert(ctx context.Context, r tv.Record) (tv.Record, error)
	EnqueueDeletion(ctx context.Context, id string) error
	ListPendingUpserts(ctx context.Context) ([]tv.Record, error)
	ListPendingDeletions(ctx context.Context) ([]string, error)
	RemovePendingUpserts(ctx context.Context, ids ...string) error
	RemovePendingDeletions(ctx context.Context, ids ...string) error
}

// Connectivity is the online flag the engine routes on.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Remapped reports that a record queued under a local id now exists on the
// server under Record.ID.
type Remapped struct {
	LocalID string
	Record  tv.Record
}

// ReplayError is one queued mutation the server refused during a flush.
type ReplayError struct {
	Op  string
	ID  string
	Err error
}

func (e *ReplayError) Error() string {
	return "replay " + e.Op + " " + e.ID + ": " + e.Err.Error()
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

type Options struct {
	Logger        logging.Logger
	OnReplayError func(*ReplayError)
	OnRemap       func(Remapped)
}

// MutationOptions tune a single Save or Delete.
type MutationOptions struct {
	// Silent results are not meant to be applied to the visible collection
	// by the caller; the push channel or the next fetch carries them.
	Silent bool
}

// Result describes what a Save or Delete did.
type Result struct {
	Record tv.Record
	Queued bool
	Silent bool
	Notice string
}

// FlushReport counts the outcome of one Flush call, follow-up runs included.
type FlushReport struct {
	Upserted  int
	Deleted   int
	Rejected  int
	Kept      int
	Remapped  int
	Coalesced bool
}

func (r *FlushReport) add(other FlushReport) {
	r.Upserted += other.Upserted
	r.Deleted += other.Deleted
	r.Rejected += other.Rejected
	r.Kept += other.Kept
	r.Remapped += other.Remapped
}

// Empty reports whether the flush touched nothing.
func (r FlushReport) Empty() bool {
	return r.Upserted == 0 && r.Deleted == 0 && r.Rejected == 0 && r.Kept == 0
}

type Engine struct {
	gw     gateway.Gateway
	queue  Queue
	conn   Connectivity
	logger logging.Logger
	opts   Options

	mu       sync.Mutex
	flushing bool
	rerun    bool
	idle     *sync.Cond

	lifecycle   sync.Mutex
	runCtx      context.Context
	cancelRun   context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

func New(gw gateway.Gateway, queue Queue, conn Connectivity, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	e := &Engine{
		gw:     gw,
		queue:  queue,
		conn:   conn,
		logger: opts.Logger,
		opts:   opts,
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Save creates r when it has no id and updates it otherwise. While offline,
// or when the server cannot be reached, r is queued instead.
func (e *Engine) Save(ctx context.Context, r tv.Record, opts MutationOptions) (Result, error) {
	if err := tv.ValidateRecord(r); err != nil {
		return Result{}, err
	}
	if e.conn.Online() {
		saved, err := e.saveOnline(ctx, r)
		if err == nil {
			return Result{Record: saved, Silent: opts.Silent}, nil
		}
		if !tv.IsOffline(err) {
			return Result{}, err
		}
		e.logger.Info(ctx, "server unreachable, queueing save", "id", r.ID, "err", err)
	}

	queued, err := e.queue.EnqueueUpsert(ctx, r)
	if err != nil {
		return Result{}, err
	}
	notice := NoticeAddedOffline
	if !r.IsNew() {
		notice = NoticeUpdatedOffline
	}
	return Result{Record: queued, Queued: true, Silent: opts.Silent, Notice: notice}, nil
}

func (e *Engine) saveOnline(ctx context.Context, r tv.Record) (tv.Record, error) {
	if !r.IsNew() && !r.LocalOnly {
		return e.gw.Update(ctx, r)
	}
	saved, err := e.gw.Create(ctx, r.ForCreate())
	if err != nil {
		return tv.Record{}, err
	}
	if r.LocalOnly {
		// The queued copy is superseded by the record just created. It must
		// go even if ctx ended meanwhile, or a later flush creates it again.
		if err := e.queue.RemovePendingUpserts(context.WithoutCancel(ctx), r.ID); err != nil {
			return tv.Record{}, fmt.Errorf("created %s but could not drop queued record %s: %w", saved.ID, r.ID, err)
		}
		e.remap(Remapped{LocalID: r.ID, Record: saved})
	}
	return saved, nil
}

// Delete removes id on the server, or queues the deletion while offline. A
// record the server no longer has counts as deleted.
func (e *Engine) Delete(ctx context.Context, id string, opts MutationOptions) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: empty id", tv.ErrInvalidInput)
	}
	if e.conn.Online() {
		err := e.gw.Delete(ctx, id)
		switch {
		case err == nil || errors.Is(err, tv.ErrNotFound):
			if err := e.queue.RemovePendingUpserts(ctx, id); err != nil {
				return Result{}, err
			}
			if err := e.queue.RemovePendingDeletions(ctx, id); err != nil {
				return Result{}, err
			}
			return Result{Record: tv.Record{ID: id}, Silent: opts.Silent}, nil
		case !tv.IsOffline(err):
			return Result{}, err
		}
		e.logger.Info(ctx, "server unreachable, queueing delete", "id", id, "err", err)
	}
	if err := e.queue.EnqueueDeletion(ctx, id); err != nil {
		return Result{}, err
	}
	return Result{Record: tv.Record{ID: id}, Queued: true, Silent: opts.Silent, Notice: NoticeDeletedOffline}, nil
}

// Flush replays the outbox: queued upserts first, then queued deletions.
// Items the server accepts or refuses are purged; items that failed because
// the server could not be reached stay queued. A Flush called while another
// is running returns at once and makes the running one go around again.
func (e *Engine) Flush(ctx context.Context) (FlushReport, error) {
	e.mu.Lock()
	if e.flushing {
		e.rerun = true
		e.mu.Unlock()
		return FlushReport{Coalesced: true}, nil
	}
	e.flushing = true
	e.mu.Unlock()

	var total FlushReport
	for {
		report, err := e.flushOnce(ctx)
		total.add(report)

		e.mu.Lock()
		again := e.rerun && err == nil && ctx.Err() == nil
		e.rerun = false
		if !again {
			e.flushing = false
			e.idle.Broadcast()
			e.mu.Unlock()
			return total, err
		}
		e.mu.Unlock()
	}
}

// WaitIdle blocks until no flush is running.
func (e *Engine) WaitIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.flushing {
		e.idle.Wait()
	}
}

func (e *Engine) flushOnce(ctx context.Context) (FlushReport, error) {
	var report FlushReport
	upserts, err := e.queue.ListPendingUpserts(ctx)
	if err != nil {
		return report, err
	}
	deletions, err := e.queue.ListPendingDeletions(ctx)
	if err != nil {
		return report, err
	}
	if len(upserts) == 0 && len(deletions) == 0 {
		return report, nil
	}
	e.logger.Info(ctx, "replaying queued mutations", "upserts", len(upserts), "deletions", len(deletions))

	// Each replayed item is purged as soon as the server has answered for
	// it, detached from ctx: a purge lost to cancellation would replay an
	// already created record on the next flush.
	purgeCtx := context.WithoutCancel(ctx)
	unreachable := false
	for _, queued := range upserts {
		if unreachable || ctx.Err() != nil {
			report.Kept++
			continue
		}
		saved, err := e.replayUpsert(ctx, queued)
		switch {
		case err == nil:
			if err := e.queue.RemovePendingUpserts(purgeCtx, queued.ID); err != nil {
				return report, err
			}
			report.Upserted++
			if queued.LocalOnly {
				report.Remapped++
				e.remap(Remapped{LocalID: queued.ID, Record: saved})
			}
		case tv.IsOffline(err) || ctx.Err() != nil:
			unreachable = true
			report.Kept++
			e.logger.Info(ctx, "server unreachable during replay", "id", queued.ID, "err", err)
		default:
			if err := e.queue.RemovePendingUpserts(purgeCtx, queued.ID); err != nil {
				return report, err
			}
			report.Rejected++
			e.replayFailed(ctx, &ReplayError{Op: "upsert", ID: queued.ID, Err: err})
		}
	}

	for _, id := range deletions {
		if unreachable || ctx.Err() != nil {
			report.Kept++
			continue
		}
		err := e.gw.Delete(ctx, id)
		switch {
		case err == nil || errors.Is(err, tv.ErrNotFound):
			if err := e.queue.RemovePendingDeletions(purgeCtx, id); err != nil {
				return report, err
			}
			report.Deleted++
		case tv.IsOffline(err) || ctx.Err() != nil:
			unreachable = true
			report.Kept++
			e.logger.Info(ctx, "server unreachable during replay", "id", id, "err", err)
		default:
			if err := e.queue.RemovePendingDeletions(purgeCtx, id); err != nil {
				return report, err
			}
			report.Rejected++
			e.replayFailed(ctx, &ReplayError{Op: "delete", ID: id, Err: err})
		}
	}
	return report, nil
}

func (e *Engine) replayUpsert(ctx context.Context, queued tv.Record) (tv.Record, error) {
	if queued.LocalOnly || queued.IsNew() {
		return e.gw.Create(ctx, queued.ForCreate())
	}
	return e.gw.Update(ctx, queued)
}

func (e *Engine) replayFailed(ctx context.Context, err *ReplayError) {
	e.logger.Warn(ctx, "queued mutation rejected", "op", err.Op, "id", err.ID, "err", err.Err)
	if e.opts.OnReplayError != nil {
		e.opts.OnReplayError(err)
	}
}

func (e *Engine) remap(m Remapped) {
	if e.opts.OnRemap != nil {
		e.opts.OnRemap(m)
	}
}

// Start flushes whenever connectivity comes back, and once now if already
// online.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	if e.cancelRun != nil {
		e.lifecycle.Unlock()
		return
	}
	e.runCtx, e.cancelRun = context.WithCancel(ctx)
	e.unsubscribe = e.conn.Subscribe(func(online bool) {
		if online {
			e.trigger()
		}
	})
	e.lifecycle.Unlock()
	if e.conn.Online() {
		e.trigger()
	}
}

// Stop unsubscribes from connectivity and waits for any running flush.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	if e.cancelRun == nil {
		e.lifecycle.Unlock()
		return
	}
	e.unsubscribe()
	e.cancelRun()
	e.cancelRun = nil
	e.lifecycle.Unlock()
	e.wg.Wait()
	e.WaitIdle()
}

func (e *Engine) trigger() {
	e.lifecycle.Lock()
	ctx := e.runCtx
	running := e.cancelRun != nil
	if running {
		e.wg.Add(1)
	}
	e.lifecycle.Unlock()
	if !running {
		return
	}
	go func() {
		defer e.wg.Done()
		report, err := e.Flush(ctx)
		if err != nil {
			e.logger.Error(ctx, "flush failed", "err", err)
			return
		}
		if !report.Coalesced && !report.Empty() {
			e.logger.Info(ctx, "flush finished",
				"upserted", report.Upserted,
				"deleted", report.Deleted,
				"rejected", report.Rejected,
				"kept", report.Kept,
			)
		}
	}()
}
