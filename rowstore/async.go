package rowstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

type request struct {
	ctx     context.Context
	run     func(ctx context.Context, s *SQLite) ([]Row, error)
	promise *future.Promise[[]Row]
}

// Async owns a SQLite store on a dedicated goroutine. Callers submit
// statements as messages and receive results through futures, so a caller
// never touches the connection directly.
type Async struct {
	store   *SQLite
	inbox   chan request
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// Held shared by submitters so Close never strands an accepted message
	sendMu sync.RWMutex
}

var _ Executor = (*Async)(nil)

// OpenAsync opens path and starts the owning goroutine.
func OpenAsync(path string, busyTimeoutMS int, queueSize int) (*Async, error) {
	store, err := OpenSQLite(path, busyTimeoutMS)
	if err != nil {
		return nil, err
	}
	if queueSize < 1 {
		queueSize = 1
	}

	a := &Async{
		store:  store,
		inbox:  make(chan request, queueSize),
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a, nil
}

func (a *Async) loop() {
	defer a.wg.Done()
	for {
		select {
		case req := <-a.inbox:
			a.serve(req)
		case <-a.stopCh:
			// Drain what was already accepted
			for {
				select {
				case req := <-a.inbox:
					a.serve(req)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) serve(req request) {
	if err := req.ctx.Err(); err != nil {
		req.promise.Set(nil, err)
		return
	}
	rows, err := req.run(req.ctx, a.store)
	req.promise.Set(rows, err)
}

func (a *Async) submit(ctx context.Context, run func(ctx context.Context, s *SQLite) ([]Row, error)) *future.Future[[]Row] {
	p := future.NewPromise[[]Row]()

	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.stopped.Load() {
		p.Set(nil, ErrClosed)
		return p.Future()
	}

	select {
	case a.inbox <- request{ctx: ctx, run: run, promise: p}:
	case <-ctx.Done():
		p.Set(nil, ctx.Err())
	}
	return p.Future()
}

// ExecAsync submits a statement and returns immediately.
func (a *Async) ExecAsync(ctx context.Context, query string, args ...any) *future.Future[[]Row] {
	return a.submit(ctx, func(ctx context.Context, s *SQLite) ([]Row, error) {
		return s.Exec(ctx, query, args...)
	})
}

// TxAsync submits a transaction; fn runs on the owning goroutine.
func (a *Async) TxAsync(ctx context.Context, fn func(Execer) error) *future.Future[[]Row] {
	return a.submit(ctx, func(ctx context.Context, s *SQLite) ([]Row, error) {
		return nil, s.Tx(ctx, fn)
	})
}

// Exec submits a statement and waits for its result.
func (a *Async) Exec(ctx context.Context, query string, args ...any) ([]Row, error) {
	return a.ExecAsync(ctx, query, args...).Get()
}

// Tx submits a transaction and waits for it to commit or roll back.
func (a *Async) Tx(ctx context.Context, fn func(Execer) error) error {
	_, err := a.TxAsync(ctx, fn).Get()
	return err
}

// Close stops the owning goroutine after pending messages are served.
func (a *Async) Close() error {
	a.sendMu.Lock()
	if !a.stopped.CompareAndSwap(false, true) {
		a.sendMu.Unlock()
		return nil
	}
	close(a.stopCh)
	a.sendMu.Unlock()

	a.wg.Wait()

	log.Debug().Str("path", a.store.Path()).Msg("Async row store stopped")
	return a.store.Close()
}
