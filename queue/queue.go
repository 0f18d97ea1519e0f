// Package queue schedules build requests onto a fixed set of workers, each
// owning one workspace, and keeps waiting clients informed of their place.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/bwmarrin/snowflake"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/xerrors"

	"playground/builder"
	"playground/model"
)

var ErrQueueClosed = xerrors.New("build queue closed")

const DefaultPositionTimeout = 5 * time.Second

// Sink receives every message produced for a queued request.
type Sink = builder.Sink

// Builder runs a single build attempt inside a workspace.
type Builder interface {
	Build(ctx context.Context, ws *builder.Workspace, source string, sink builder.Sink) *builder.Report
}

type Request struct {
	Source string
	Sink   Sink
	// ClientKey identifies the requesting client in the job history.
	ClientKey string
}

// Attempt describes a request that reached a worker.
type Attempt struct {
	ID        int64
	ClientKey string
	QueuedAt  time.Time
	StartedAt time.Time
	Report    *builder.Report
}

type QueueParams struct {
	// Builder used by every worker
	Builder Builder

	// Workspaces one worker is started per workspace
	Workspaces []*builder.Workspace

	// SfNode Snowflake node to generate attempt ids
	SfNode *snowflake.Node

	// OnFinished is called by the worker after every attempt
	OnFinished func(ctx context.Context, attempt *Attempt)

	// PositionTimeout bounds a single QueuePosition send, defaults to
	// DefaultPositionTimeout
	PositionTimeout time.Duration

	// Logger Logger used to log messages
	Logger slog.Logger
}

type Queue struct {
	QueueParams

	mu      sync.Mutex
	pending *list.List
	closed  bool
	active  int
	wake    chan struct{}
	moved   chan struct{}
}

type result struct {
	attempt *Attempt
	err     error
}

type job struct {
	ctx      context.Context
	req      Request
	id       int64
	queuedAt time.Time
	elem     *list.Element
	done     chan result

	// guards the ordering between position updates and build messages
	mu       sync.Mutex
	started  bool
	stalled  bool
	position int
}

func NewQueue(params QueueParams) *Queue {
	if params.PositionTimeout <= 0 {
		params.PositionTimeout = DefaultPositionTimeout
	}
	return &Queue{
		QueueParams: params,
		pending:     list.New(),
		wake:        make(chan struct{}, len(params.Workspaces)+1),
		moved:       make(chan struct{}, 1),
	}
}

// Len returns the number of waiting and running requests.
func (q *Queue) Len() (pending int, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len(), q.active
}

// Enqueue
//
//	Queues a build and blocks until it finished. While waiting, the sink
//	receives a QueuePosition with the number of requests ahead of it, and a
//	new one each time that number drops. No QueuePosition is sent once the
//	build has produced its first message. If ctx ends while the request is
//	still waiting it is dropped and ctx.Err() is returned.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*Attempt, error) {
	j := &job{
		ctx:      ctx,
		req:      req,
		queuedAt: time.Now(),
		done:     make(chan result, 1),
		position: -1,
	}
	if q.SfNode != nil {
		j.id = q.SfNode.Generate().Int64()
	}

	// a worker cannot mark the job started before its first position is out
	j.mu.Lock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		j.mu.Unlock()
		return nil, ErrQueueClosed
	}
	j.elem = q.pending.PushBack(j)
	position := q.pending.Len() - 1
	q.mu.Unlock()

	q.sendPositionLocked(j, position)
	j.mu.Unlock()
	q.notify()

	select {
	case r := <-j.done:
		return r.attempt, r.err
	case <-ctx.Done():
		if q.remove(j) {
			q.Logger.Debug(ctx, "dropped queued build", slog.F("attempt", j.id))
			q.positionsMoved()
			return nil, ctx.Err()
		}
		// already handed to a worker which will observe ctx
		r := <-j.done
		return r.attempt, r.err
	}
}

// Run
//
//	Starts one worker per workspace and blocks until ctx is done and every
//	running build returned. Requests still waiting at that point fail with
//	ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) {
	if len(q.Workspaces) == 0 {
		q.Logger.Error(ctx, "build queue has no workspaces")
		<-ctx.Done()
	} else {
		p := pool.New().WithMaxGoroutines(len(q.Workspaces) + 1)
		p.Go(func() {
			q.broadcaster(ctx)
		})
		for _, ws := range q.Workspaces {
			ws := ws
			p.Go(func() {
				q.worker(ctx, ws)
			})
		}
		p.Wait()
	}

	q.mu.Lock()
	q.closed = true
	var drained []*job
	for e := q.pending.Front(); e != nil; e = e.Next() {
		j := e.Value.(*job)
		j.elem = nil
		drained = append(drained, j)
	}
	q.pending.Init()
	q.mu.Unlock()

	for _, j := range drained {
		j.done <- result{err: ErrQueueClosed}
	}
}

func (q *Queue) worker(ctx context.Context, ws *builder.Workspace) {
	q.Logger.Debug(ctx, "build worker started", slog.F("workspace", ws.ID))

	for {
		j := q.next(ctx)
		if j == nil {
			q.Logger.Debug(ctx, "build worker stopped", slog.F("workspace", ws.ID))
			return
		}
		q.positionsMoved()

		// the client left between being dequeued and starting
		if err := j.ctx.Err(); err != nil {
			q.finish()
			j.done <- result{err: err}
			continue
		}

		attempt := &Attempt{
			ID:        j.id,
			ClientKey: j.req.ClientKey,
			QueuedAt:  j.queuedAt,
			StartedAt: time.Now(),
		}
		attempt.Report = q.build(j, ws)

		if q.OnFinished != nil {
			q.OnFinished(ctx, attempt)
		}
		q.finish()
		j.done <- result{attempt: attempt}
	}
}

// build runs the attempt with panic recovery so a broken build never takes
// a worker down without answering the client.
func (q *Queue) build(j *job, ws *builder.Workspace) (report *builder.Report) {
	defer func() {
		if r := recover(); r != nil {
			q.Logger.Error(j.ctx, "build panicked", slog.F("attempt", j.id), slog.F("panic", r))
			report = &builder.Report{Result: model.Failed("internal error")}
			_ = j.req.Sink.Send(j.ctx, model.BuildFinished{Result: report.Result})
		}
	}()
	return q.Builder.Build(j.ctx, ws, j.req.Source, j.req.Sink)
}

// next pops the oldest request and marks it started, blocking until one
// is available or ctx is done.
func (q *Queue) next(ctx context.Context) *job {
	for {
		if ctx.Err() != nil {
			return nil
		}

		q.mu.Lock()
		if e := q.pending.Front(); e != nil {
			j := q.pending.Remove(e).(*job)
			j.elem = nil
			q.active++
			q.mu.Unlock()

			j.mu.Lock()
			j.started = true
			j.mu.Unlock()
			return j
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// remove drops a waiting job, reporting false if a worker already took it.
func (q *Queue) remove(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.elem == nil {
		return false
	}
	q.pending.Remove(j.elem)
	j.elem = nil
	return true
}

// positionsMoved asks the broadcaster to refresh waiting clients. Workers
// never send positions themselves so a slow client cannot hold one up.
func (q *Queue) positionsMoved() {
	select {
	case q.moved <- struct{}{}:
	default:
	}
}

func (q *Queue) broadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.moved:
			q.broadcastPositions()
		}
	}
}

func (q *Queue) broadcastPositions() {
	type update struct {
		j        *job
		position int
	}

	q.mu.Lock()
	updates := make([]update, 0, q.pending.Len())
	i := 0
	for e := q.pending.Front(); e != nil; e = e.Next() {
		updates = append(updates, update{j: e.Value.(*job), position: i})
		i++
	}
	q.mu.Unlock()

	for _, u := range updates {
		q.sendPosition(u.j, u.position)
	}
}

// sendPosition delivers a position unless the job already started, the
// client was told an equal or lower one, or an earlier send timed out.
func (q *Queue) sendPosition(j *job, position int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	q.sendPositionLocked(j, position)
}

func (q *Queue) sendPositionLocked(j *job, position int) {
	if j.started || j.stalled || (j.position >= 0 && position >= j.position) {
		return
	}
	j.position = position

	ctx, cancel := context.WithTimeout(j.ctx, q.PositionTimeout)
	defer cancel()
	err := j.req.Sink.Send(ctx, model.QueuePosition{Position: uint(position)})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			j.stalled = true
		}
		q.Logger.Debug(j.ctx, "failed to send queue position", slog.F("attempt", j.id), slog.Error(err))
	}
}
