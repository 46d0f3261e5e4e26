package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// ChromeConfig controls the headless Chrome backend.
type ChromeConfig struct {
	UserAgent      string
	CaptureTimeout time.Duration
	DefaultWidth   int
	DefaultHeight  int
	Quality        int
}

// ChromeBackend runs headless Chrome via chromedp. One allocator and one
// browser process back all pool pages; each page is a dedicated tab.
type ChromeBackend struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	cfg             ChromeConfig
	nextID          atomic.Int64
}

// NewChromeBackend starts the shared browser process and warms it up so
// failures surface at construction.
func NewChromeBackend(cfg ChromeConfig) (*ChromeBackend, error) {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 30 * time.Second
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = 1280
	}
	if cfg.DefaultHeight <= 0 {
		cfg.DefaultHeight = 800
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &ChromeBackend{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		cfg:             cfg,
	}, nil
}

// NewPage opens a dedicated tab for pool use.
func (b *ChromeBackend) NewPage(_ context.Context) (Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	id := b.nextID.Add(1)
	return &chromePage{
		id:     fmt.Sprintf("tab-%d", id),
		ctx:    tabCtx,
		cancel: cancelTab,
		cfg:    b.cfg,
	}, nil
}

// Close tears down the shared browser process and allocator.
func (b *ChromeBackend) Close(_ context.Context) error {
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

type chromePage struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    ChromeConfig
}

func (p *chromePage) ID() string { return p.id }

// Capture navigates to the request URL and returns the rendered screenshot
// as PNG bytes.
func (p *chromePage) Capture(ctx context.Context, req screenshot.CaptureRequest) ([]byte, error) {
	width := req.Width
	if width <= 0 {
		width = p.cfg.DefaultWidth
	}
	height := req.Height
	if height <= 0 {
		height = p.cfg.DefaultHeight
	}

	taskCtx, cancelTask := context.WithTimeout(p.ctx, p.cfg.CaptureTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var buf []byte
	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if req.FullPage {
		tasks = append(tasks, chromedp.FullScreenshot(&buf, p.cfg.Quality))
	} else {
		tasks = append(tasks, chromedp.CaptureScreenshot(&buf))
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return nil, fmt.Errorf("chromedp capture: %w", err)
	}
	return buf, nil
}

// Reset clears cookies and site storage so the next tenant's lease starts
// from a clean slate.
func (p *chromePage) Reset(ctx context.Context) error {
	resetCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	tasks := chromedp.Tasks{
		network.ClearBrowserCookies(),
		storage.ClearDataForOrigin("*", "all"),
		chromedp.Navigate("about:blank"),
	}
	if err := chromedp.Run(resetCtx, tasks); err != nil {
		return fmt.Errorf("reset tab: %w", err)
	}
	return nil
}

func (p *chromePage) Close(_ context.Context) error {
	p.cancel()
	return nil
}

// forwardCancel propagates cancellation from the caller's context into a
// chromedp task context that is not in its ancestry.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
