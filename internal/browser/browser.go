package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Renderer loads a URL in a browser and returns the rendered document.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

type Config struct {
	Quiescence time.Duration
	Timeout    time.Duration
	ExecPath   string
	Logger     *slog.Logger
}

// ChromeRenderer starts a fresh headless Chrome for every Render call.
type ChromeRenderer struct {
	quiescence time.Duration
	timeout    time.Duration
	execPath   string
	logger     *slog.Logger
}

func NewChromeRenderer(cfg Config) *ChromeRenderer {
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeRenderer{
		quiescence: cfg.Quiescence,
		timeout:    cfg.Timeout,
		execPath:   cfg.ExecPath,
		logger:     logger,
	}
}

func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Headless, chromedp.DisableGPU)
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	tracker := newNetworkTracker(time.Now)
	chromedp.ListenTarget(browserCtx, tracker.observe)

	var html string
	err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(url),
		waitForNetworkIdle(tracker, r.quiescence),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	r.logger.Debug("page rendered", "url", url, "bytes", len(html))
	return html, nil
}

func waitForNetworkIdle(tracker *networkTracker, quiescence time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			if tracker.idleFor(quiescence) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// networkTracker counts in-flight requests from CDP network events.
type networkTracker struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func newNetworkTracker(now func() time.Time) *networkTracker {
	return &networkTracker{
		inflight:     map[network.RequestID]struct{}{},
		lastActivity: now(),
		now:          now,
	}
}

func (t *networkTracker) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

func (t *networkTracker) idleFor(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= window
}
