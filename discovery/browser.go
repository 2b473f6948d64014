package discovery

import (
	"context"
	"sync"

	"github.com/chromedp/chromedp"
	"goa.design/clue/log"
)

type (
	// BrowserOptions configures the shared headless browser process.
	BrowserOptions struct {
		// ExecPath locates the chromium-class executable. Empty uses the
		// chromedp default lookup.
		ExecPath string
		// ProxyServer routes browser traffic through a proxy when set.
		ProxyServer string
		// Headful disables headless mode (debugging).
		Headful bool
	}

	// Browser owns the process-wide browser instance. Discoveries share one
	// process and get a fresh tab each; a mutex serializes launch and the
	// liveness check re-launches after a crash or external kill.
	Browser struct {
		opts BrowserOptions

		mu          sync.Mutex
		allocCtx    context.Context
		allocCancel context.CancelFunc
		browserCtx  context.Context
		cancel      context.CancelFunc
	}
)

// NewBrowser builds the shared browser manager. The process launches lazily
// on first acquire.
func NewBrowser(opts BrowserOptions) *Browser {
	return &Browser{opts: opts}
}

// Acquire returns a live browser context to open tabs from, launching the
// process if needed or if the previous one died.
func (b *Browser) Acquire(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	if b.cancel != nil {
		// Previous process died; release its contexts before relaunch.
		b.cancel()
		b.allocCancel()
		b.browserCtx, b.cancel, b.allocCtx, b.allocCancel = nil, nil, nil, nil
		log.Printf(ctx, "browser process gone, relaunching")
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if b.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.opts.ExecPath))
	}
	if b.opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(b.opts.ProxyServer))
	}
	if b.opts.Headful {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	b.browserCtx, b.cancel = chromedp.NewContext(b.allocCtx)

	// Start the process now so liveness is observable.
	if err := chromedp.Run(b.browserCtx); err != nil {
		b.cancel()
		b.allocCancel()
		b.browserCtx, b.cancel, b.allocCtx, b.allocCancel = nil, nil, nil, nil
		return nil, err
	}
	log.Printf(ctx, "browser launched: exec=%s proxy=%s", b.opts.ExecPath, b.opts.ProxyServer)
	return b.browserCtx, nil
}

// Close terminates the browser process. Safe to call multiple times.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	b.browserCtx, b.allocCtx = nil, nil
}
