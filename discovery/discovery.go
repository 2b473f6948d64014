package discovery

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/krawall/krawall/socketio"
	"github.com/krawall/krawall/target"
)

const (
	// TotalTimeout bounds a full discovery run.
	TotalTimeout = 30 * time.Second
	// WidgetTimeout bounds widget detection.
	WidgetTimeout = 15 * time.Second
	// CaptureTimeout bounds the wait for a settled WebSocket.
	CaptureTimeout = 15 * time.Second
)

type (
	// Request describes one discovery run.
	Request struct {
		TargetID string
		Config   target.BrowserProtocol
		// OnProgress receives stage events in order. Optional.
		OnProgress ProgressFunc
	}

	// Runner executes discovery requests against the shared browser.
	Runner struct {
		browser *Browser
	}
)

// NewRunner builds a Runner on the shared browser manager.
func NewRunner(b *Browser) *Runner {
	return &Runner{browser: b}
}

// Discover drives the full pipeline: navigate, dismiss banners, trigger the
// widget, capture and classify the WebSocket, extract credentials. Any stage
// failure returns a *Failure wrapping the cause.
func (r *Runner) Discover(ctx context.Context, req Request) (*Result, error) {
	runID := fmt.Sprintf("discovery-%s", uuid.NewString())
	ctx = log.With(ctx, log.KV{K: "run", V: runID}, log.KV{K: "target", V: req.TargetID})
	ctx, cancel := context.WithTimeout(ctx, TotalTimeout)
	defer cancel()

	fail := func(stage Stage, tabCtx context.Context, tried []string, err error) (*Result, error) {
		f := &Failure{Stage: stage, PageURL: req.Config.PageURL, SelectorsTried: tried, Err: err}
		if tabCtx != nil {
			f.PageTitle, f.IframeCount = pageContext(tabCtx)
		}
		emit(ctx, req.OnProgress, StageError, f.Error(), nil)
		return nil, f
	}

	emit(ctx, req.OnProgress, StageConnect, "launching browser", nil)
	browserCtx, err := r.browser.Acquire(ctx)
	if err != nil {
		return fail(StageConnect, nil, nil, err)
	}

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()

	capt := newCapture()
	capt.attach(tabCtx)

	emit(ctx, req.OnProgress, StageDiscovery, "navigating to "+req.Config.PageURL, nil)
	if err := navigate(ctx, tabCtx, req.Config.PageURL); err != nil {
		return fail(StageDiscovery, tabCtx, nil, err)
	}

	dismissCookieBanners(ctx, tabCtx)

	emit(ctx, req.OnProgress, StageWidget, "detecting chat widget", map[string]any{
		"strategy": strategyName(req.Config.Strategy),
	})
	widgetCtx, widgetCancel := context.WithTimeout(ctx, WidgetTimeout)
	tried, err := detectWidget(widgetCtx, tabCtx, req.Config, capt)
	widgetCancel()
	if err != nil {
		return fail(StageWidget, tabCtx, tried, err)
	}

	var pattern *regexp.Regexp
	if req.Config.URLPattern != "" {
		pattern, err = regexp.Compile(req.Config.URLPattern)
		if err != nil {
			return fail(StageCapture, tabCtx, tried, fmt.Errorf("url pattern: %w", err))
		}
	}

	emit(ctx, req.OnProgress, StageCapture, "waiting for websocket", nil)
	captureCtx, captureCancel := context.WithTimeout(ctx, CaptureTimeout)
	ws, ok := waitForWebSocket(captureCtx, capt, pattern, req.Config.SocketIndex, CaptureTimeout)
	captureCancel()
	if !ok {
		return fail(StageCapture, tabCtx, tried, fmt.Errorf("no websocket matched pattern %q", req.Config.URLPattern))
	}
	log.Printf(ctx, "captured websocket %s with %d frames", ws.URL, len(ws.Frames))

	res := &Result{
		WSSURL:         ws.URL,
		Headers:        ws.UpgradeHeaders,
		CapturedFrames: ws.Frames,
		DiscoveredAt:   time.Now().UTC(),
	}

	emit(ctx, req.OnProgress, StageClassify, "classifying protocol", nil)
	classify(req.Config, res)
	emit(ctx, req.OnProgress, StageClassify, "protocol detected", map[string]any{
		"protocol": string(res.DetectedProtocol),
	})

	emit(ctx, req.OnProgress, StageCredentials, "extracting credentials", nil)
	if err := extractCredentials(tabCtx, res); err != nil {
		return fail(StageCredentials, tabCtx, tried, err)
	}

	if !req.Config.KeepBrowserAlive {
		closeTab()
		r.browser.Close()
	}

	emit(ctx, req.OnProgress, StageDone, "discovery complete", map[string]any{
		"wssUrl": res.WSSURL,
		"frames": len(res.CapturedFrames),
	})
	return res, nil
}

// classify applies the protocol override when set, otherwise auto-detects
// from the socket URL and its received frames. A Socket.IO result also gets
// handshake config parsed from the captured open frame when one was seen.
func classify(cfg target.BrowserProtocol, res *Result) {
	proto, sioCfg := socketio.Classify(res.WSSURL, res.ReceivedFrames())
	switch cfg.Protocol {
	case string(socketio.ProtocolRaw):
		res.DetectedProtocol = socketio.ProtocolRaw
	case string(socketio.ProtocolSocketIO):
		res.DetectedProtocol = socketio.ProtocolSocketIO
		if sioCfg == nil {
			sioCfg = socketio.DefaultConfig(res.WSSURL)
		}
		res.SocketIOConfig = sioCfg
	default:
		res.DetectedProtocol = proto
		res.SocketIOConfig = sioCfg
	}
}

// extractCredentials pulls cookies from the browser context and the two web
// storage areas from the page.
func extractCredentials(tabCtx context.Context, res *Result) error {
	ctx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()

	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("cookies: %w", err)
			}
			for _, c := range cookies {
				res.Cookies = append(res.Cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
			}
			return nil
		}),
		chromedp.Evaluate(`Object.assign({}, window.localStorage)`, &res.LocalStorage),
		chromedp.Evaluate(`Object.assign({}, window.sessionStorage)`, &res.SessionStorage),
	)
	if err != nil {
		return err
	}
	return nil
}

// navigate loads the page and waits for the document to settle.
func navigate(ctx context.Context, tabCtx context.Context, pageURL string) error {
	navCtx, cancel := context.WithTimeout(tabCtx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return err
	}
	// Give late-loading widget scripts a chance to register.
	sleepCtx(ctx, 500*time.Millisecond)
	return nil
}

func strategyName(s string) string {
	if s == "" {
		return "heuristic"
	}
	return s
}
