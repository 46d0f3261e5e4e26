// Package browser owns a fixed-size pool of reusable browser automation
// pages. Callers lease a page, capture with it, and must release it on
// every exit path; an unreleased page permanently reduces capacity.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// ErrPoolClosed is returned by Acquire after Close has been called.
var ErrPoolClosed = errors.New("browser pool closed")

// ErrAcquireTimeout is returned when AcquireTimeout elapses before a page
// becomes free.
var ErrAcquireTimeout = errors.New("browser pool acquire timed out")

// Backend creates and destroys the underlying automation pages the pool
// wraps. The pool never depends on backend internals beyond create,
// reset, and close.
type Backend interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Page is one leasable automation page.
type Page interface {
	ID() string
	Capture(ctx context.Context, req screenshot.CaptureRequest) ([]byte, error)
	// Reset clears per-use state (cookies, storage) before reuse.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config controls pool behavior.
type Config struct {
	// Capacity is the fixed number of pages the pool owns.
	Capacity int
	// AcquireTimeout bounds how long Acquire waits for a free page.
	// Zero blocks until a page is released or the context ends.
	AcquireTimeout time.Duration
	// ResetTimeout bounds the per-release state reset.
	ResetTimeout time.Duration
}

// Pool hands out exclusive leases over a fixed set of pages.
type Pool struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger

	free   chan Page
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex // guards leased during Close
	leased    map[string]Page
}

// NewPool creates the backend pages eagerly so capacity problems surface
// at startup rather than on first request.
func NewPool(ctx context.Context, backend Backend, cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		free:    make(chan Page, cfg.Capacity),
		closed:  make(chan struct{}),
		leased:  make(map[string]Page),
	}
	for i := 0; i < cfg.Capacity; i++ {
		page, err := backend.NewPage(ctx)
		if err != nil {
			p.drainAndClose(ctx)
			return nil, fmt.Errorf("create pool page %d: %w", i, err)
		}
		p.free <- page
	}
	return p, nil
}

// Lease is a caller's exclusive, temporary right to one page. Release it
// exactly once; further releases are no-ops.
type Lease struct {
	page     Page
	pool     *Pool
	broken   atomic.Bool
	released atomic.Bool
}

// Page returns the leased page.
func (l *Lease) Page() Page {
	return l.page
}

// MarkBroken tells the pool the page is unusable; on release it is
// discarded and replaced instead of returned to the free set.
func (l *Lease) MarkBroken() {
	l.broken.Store(true)
}

// Acquire blocks until a page is free, the context ends, or the
// configured timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case page := <-p.free:
		p.mu.Lock()
		p.leased[page.ID()] = page
		p.mu.Unlock()
		return &Lease{page: page, pool: p}, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-timeout:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire page: %w", ctx.Err())
	}
}

// Release returns the lease's page to the free set after resetting its
// per-use state. Broken pages are closed and replaced so the pool keeps
// its capacity. Releasing twice is a no-op.
func (p *Pool) Release(lease *Lease) {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}
	page := lease.page
	p.mu.Lock()
	delete(p.leased, page.ID())
	p.mu.Unlock()

	select {
	case <-p.closed:
		p.closePage(page)
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	defer cancel()

	if lease.broken.Load() {
		p.replace(ctx, page)
		return
	}
	if err := page.Reset(ctx); err != nil {
		p.logger.Warn("page reset failed, replacing",
			zap.String("page_id", page.ID()), zap.Error(err))
		p.replace(ctx, page)
		return
	}
	p.free <- page
	// Close may have raced the return above; make sure nothing idles in
	// the free set after shutdown began.
	select {
	case <-p.closed:
		p.drainAndClose(ctx)
	default:
	}
}

// replace closes a dead page and creates a fresh one in its slot. If the
// backend cannot produce a replacement the slot is lost and logged; the
// pool keeps serving with reduced capacity rather than blocking forever
// on a dead page.
func (p *Pool) replace(ctx context.Context, page Page) {
	p.closePage(page)
	fresh, err := p.backend.NewPage(ctx)
	if err != nil {
		p.logger.Error("replace pool page failed, capacity reduced", zap.Error(err))
		return
	}
	select {
	case p.free <- fresh:
	case <-p.closed:
		p.closePage(fresh)
	}
}

// Close shuts down every page regardless of lease state and makes the
// pool unusable.
func (p *Pool) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.drainAndClose(ctx)
		p.mu.Lock()
		for id, page := range p.leased {
			p.closePage(page)
			delete(p.leased, id)
		}
		p.mu.Unlock()
		err = p.backend.Close(ctx)
	})
	return err
}

func (p *Pool) drainAndClose(ctx context.Context) {
	for {
		select {
		case page := <-p.free:
			if closeErr := page.Close(ctx); closeErr != nil {
				p.logger.Warn("close pool page failed", zap.Error(closeErr))
			}
		default:
			return
		}
	}
}

func (p *Pool) closePage(page Page) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := page.Close(ctx); err != nil {
		p.logger.Warn("close pool page failed",
			zap.String("page_id", page.ID()), zap.Error(err))
	}
}
