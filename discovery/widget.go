package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"goa.design/clue/log"

	"github.com/krawall/krawall/target"
)

const (
	// clickWindow bounds how long a click gets to produce a WebSocket
	// before the next candidate selector is tried.
	clickWindow = 5 * time.Second
	// bannerSettle lets the page react after a consent click.
	bannerSettle = time.Second
)

// cookieBannerSelectors covers the common consent frameworks, most specific
// first.
var cookieBannerSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	".cc-btn.cc-allow",
	".cc-accept-all",
	"#didomi-notice-agree-button",
	".qc-cmp2-summary-buttons button[mode=primary]",
	"#truste-consent-button",
	"button[id*=cookie][id*=accept]",
	"button[class*=cookie][class*=accept]",
	"button[aria-label*=accept i]",
}

// genericWidgetSelectors is the fixed fallback list for heuristic detection:
// known providers by iframe src, ARIA labels, class and id fragments, and
// button text in common languages.
var genericWidgetSelectors = []string{
	`iframe[src*="intercom"]`,
	`iframe[src*="drift"]`,
	`iframe[src*="crisp.chat"]`,
	`iframe[src*="tawk.to"]`,
	`iframe[src*="livechat"]`,
	`iframe[src*="zendesk"]`,
	`iframe[src*="hubspot"]`,
	`[aria-label*="chat" i]`,
	`[aria-label*="support" i]`,
	`[class*="chat-widget"]`,
	`[class*="chat-launcher"]`,
	`[class*="chat-button"]`,
	`[class*="chatbot"]`,
	`[id*="chat-widget"]`,
	`[id*="chat-launcher"]`,
	`[id*="chatbot"]`,
	`text:Chat`,
	`text:Chat with us`,
	`text:Ask a question`,
	`text:Chatten`,
	`text:Chatta`,
	`text:Chatear`,
	`text:Discuter`,
}

// detectWidget runs the configured detection strategy on the tab and reports
// the selectors it tried, for failure context.
func detectWidget(ctx context.Context, tabCtx context.Context, cfg target.BrowserProtocol, cap *capture) (tried []string, err error) {
	switch cfg.Strategy {
	case "selector":
		tried = []string{cfg.Selector}
		if clickAndAwaitSocket(ctx, tabCtx, cfg.Selector, cap) {
			return tried, nil
		}
		return tried, fmt.Errorf("selector %q produced no websocket", cfg.Selector)
	case "steps":
		return runSteps(ctx, tabCtx, cfg.Steps)
	default:
		return detectHeuristic(ctx, tabCtx, cfg.Hints, cap)
	}
}

// detectHeuristic tries hint-derived selectors, then the generic list, then
// the positional fallback. The first selector whose click is followed by a
// WebSocket wins.
func detectHeuristic(ctx context.Context, tabCtx context.Context, hints target.WidgetHints, cap *capture) ([]string, error) {
	candidates := hintSelectors(hints)
	candidates = append(candidates, genericWidgetSelectors...)

	var tried []string
	for _, sel := range candidates {
		if ctx.Err() != nil {
			return tried, ctx.Err()
		}
		tried = append(tried, sel)
		if clickAndAwaitSocket(ctx, tabCtx, sel, cap) {
			log.Debugf(ctx, "widget found via selector %q", sel)
			return tried, nil
		}
	}

	if hints.Position != "" && hints.ElementKind != "" {
		sel := fmt.Sprintf("position:%s:%s", hints.Position, hints.ElementKind)
		tried = append(tried, sel)
		if clickPositional(ctx, tabCtx, hints.Position, hints.ElementKind, cap) {
			log.Debugf(ctx, "widget found via positional fallback %s %s", hints.Position, hints.ElementKind)
			return tried, nil
		}
	}
	return tried, fmt.Errorf("no selector produced a websocket after %d candidates", len(tried))
}

// hintSelectors expands caller hints into concrete selectors, optionally
// scoped to the hinted container.
func hintSelectors(h target.WidgetHints) []string {
	var out []string
	scope := func(sel string) string {
		if h.Container == "" {
			return sel
		}
		return h.Container + " " + sel
	}
	for _, txt := range h.ButtonText {
		out = append(out, "text:"+txt)
	}
	for _, cls := range h.ContainsClass {
		out = append(out, scope(fmt.Sprintf(`[class*=%q]`, cls)))
	}
	for _, id := range h.ContainsID {
		out = append(out, scope(fmt.Sprintf(`[id*=%q]`, id)))
	}
	for _, src := range h.IframeSrc {
		out = append(out, fmt.Sprintf(`iframe[src*=%q]`, src))
	}
	for k, v := range h.DataAttributes {
		out = append(out, scope(fmt.Sprintf(`[%s=%q]`, k, v)))
	}
	return out
}

// dismissCookieBanners clicks the first visible consent selector and waits a
// beat for the page to settle. Silent when nothing matches.
func dismissCookieBanners(ctx context.Context, tabCtx context.Context) {
	for _, sel := range cookieBannerSelectors {
		clicked, err := clickVisible(tabCtx, sel)
		if err != nil {
			continue
		}
		if clicked {
			log.Debugf(ctx, "dismissed cookie banner via %q", sel)
			sleepCtx(ctx, bannerSettle)
			return
		}
	}
}

// clickAndAwaitSocket clicks sel and reports whether a new WebSocket
// appeared within the click window.
func clickAndAwaitSocket(ctx context.Context, tabCtx context.Context, sel string, cap *capture) bool {
	before := len(cap.snapshot())
	clicked, err := clickVisible(tabCtx, sel)
	if err != nil || !clicked {
		return false
	}
	return awaitNewSocket(ctx, cap, before, clickWindow)
}

func clickPositional(ctx context.Context, tabCtx context.Context, position, kind string, cap *capture) bool {
	before := len(cap.snapshot())
	var clicked bool
	script := fmt.Sprintf(positionalClickJS, jsStr(kind), jsStr(position))
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(script, &clicked)); err != nil || !clicked {
		return false
	}
	return awaitNewSocket(ctx, cap, before, clickWindow)
}

func awaitNewSocket(ctx context.Context, cap *capture, before int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if len(cap.snapshot()) > before {
			return true
		}
		if !sleepCtx(ctx, 100*time.Millisecond) {
			return false
		}
	}
	return len(cap.snapshot()) > before
}

// clickVisible clicks the first visible element matching sel in the main
// frame or any same-origin child frame. "text:..." selectors match visible
// button-like elements by text content.
func clickVisible(tabCtx context.Context, sel string) (bool, error) {
	var script string
	if txt, ok := textSelector(sel); ok {
		script = fmt.Sprintf(clickByTextJS, jsStr(txt))
	} else {
		script = fmt.Sprintf(clickBySelectorJS, jsStr(sel))
	}
	var clicked bool
	ctx, cancel := context.WithTimeout(tabCtx, 3*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return false, err
	}
	return clicked, nil
}

func textSelector(sel string) (string, bool) {
	const prefix = "text:"
	if len(sel) > len(prefix) && sel[:len(prefix)] == prefix {
		return sel[len(prefix):], true
	}
	return "", false
}

// runSteps executes the scripted strategy. Step failures abort with the step
// index in the error.
func runSteps(ctx context.Context, tabCtx context.Context, steps []target.WidgetStep) ([]string, error) {
	var tried []string
	for i, step := range steps {
		if ctx.Err() != nil {
			return tried, ctx.Err()
		}
		switch step.Action {
		case "click":
			tried = append(tried, step.Selector)
			clicked, err := clickVisible(tabCtx, step.Selector)
			if err != nil {
				return tried, fmt.Errorf("step %d click %q: %w", i, step.Selector, err)
			}
			if !clicked {
				return tried, fmt.Errorf("step %d click %q: no visible match", i, step.Selector)
			}
		case "type":
			if err := chromedp.Run(tabCtx, chromedp.SendKeys(step.Selector, step.Text, chromedp.ByQuery)); err != nil {
				return tried, fmt.Errorf("step %d type into %q: %w", i, step.Selector, err)
			}
		case "wait":
			sleepCtx(ctx, time.Duration(step.WaitMS)*time.Millisecond)
		case "waitForSelector":
			tried = append(tried, step.Selector)
			if err := chromedp.Run(tabCtx, chromedp.WaitVisible(step.Selector, chromedp.ByQuery)); err != nil {
				return tried, fmt.Errorf("step %d wait for %q: %w", i, step.Selector, err)
			}
		case "evaluate":
			var ignored any
			if err := chromedp.Run(tabCtx, chromedp.Evaluate(step.Script, &ignored)); err != nil {
				return tried, fmt.Errorf("step %d evaluate: %w", i, err)
			}
		default:
			return tried, fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
	}
	return tried, nil
}

// pageContext grabs the page title and iframe count for failure reports.
func pageContext(tabCtx context.Context) (title string, iframes int) {
	ctx, cancel := context.WithTimeout(tabCtx, 2*time.Second)
	defer cancel()
	_ = chromedp.Run(ctx,
		chromedp.Title(&title),
		chromedp.Evaluate(`document.querySelectorAll("iframe").length`, &iframes),
	)
	return title, iframes
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func jsStr(s string) string {
	buf, _ := json.Marshal(s)
	return string(buf)
}

const clickBySelectorJS = `(() => {
  const visible = el => {
    const r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0;
  };
  const docs = [document];
  for (const f of document.querySelectorAll("iframe")) {
    try { if (f.contentDocument) docs.push(f.contentDocument); } catch (e) {}
  }
  for (const doc of docs) {
    for (const el of doc.querySelectorAll(%s)) {
      if (visible(el)) { el.click(); return true; }
    }
  }
  return false;
})()`

const clickByTextJS = `(() => {
  const want = %s.toLowerCase();
  const visible = el => {
    const r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0;
  };
  const docs = [document];
  for (const f of document.querySelectorAll("iframe")) {
    try { if (f.contentDocument) docs.push(f.contentDocument); } catch (e) {}
  }
  for (const doc of docs) {
    for (const el of doc.querySelectorAll('button, a, [role="button"]')) {
      const txt = (el.innerText || "").trim().toLowerCase();
      if (txt.includes(want) && visible(el)) { el.click(); return true; }
    }
  }
  return false;
})()`

const positionalClickJS = `(() => {
  const kind = %s;
  const position = %s;
  const vw = window.innerWidth, vh = window.innerHeight;
  let best = null, bestScore = -1;
  for (const el of document.querySelectorAll(kind)) {
    const r = el.getBoundingClientRect();
    if (r.width === 0 || r.height === 0) continue;
    const cx = r.left + r.width / 2, cy = r.top + r.height / 2;
    if (cy < vh * 0.6) continue;
    let score = cy / vh;
    if (position === "bottom-right" && cx > vw * 0.6) score += cx / vw;
    else if (position === "bottom-left" && cx < vw * 0.4) score += 1 - cx / vw;
    else if (position === "bottom-center" && cx > vw * 0.3 && cx < vw * 0.7) score += 1 - Math.abs(cx - vw / 2) / vw;
    else continue;
    if (score > bestScore) { best = el; bestScore = score; }
  }
  if (best) { best.click(); return true; }
  return false;
})()`
