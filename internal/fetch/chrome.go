package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"socialcal/internal/apperr"
	appLog "socialcal/internal/log"
)

// stealthScript hides the most common automation fingerprints before any
// page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
window.chrome = window.chrome || {runtime: {}};
`

const imagesLoadedJS = `Array.from(document.images).every(img => img.complete)`

// ChromeConfig configures a ChromeFetcher.
type ChromeConfig struct {
	// ExecPath overrides the Chromium binary; empty lets chromedp find one.
	ExecPath  string
	UserAgent string
	// Fallback fetches non-HTML resources (e.g. .ics feeds) that a browser
	// would only render as text.
	Fallback Fetcher
}

// ChromeFetcher renders pages in headless Chromium so that client-side
// rendered listings are visible to the extractors.
type ChromeFetcher struct {
	cfg ChromeConfig
}

func NewChromeFetcher(cfg ChromeConfig) *ChromeFetcher {
	return &ChromeFetcher{cfg: cfg}
}

func (c *ChromeFetcher) allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
	)
	if c.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(c.cfg.UserAgent))
	}
	if opts.Stealth {
		allocOpts = append(allocOpts,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("enable-automation", false),
		)
	}
	return allocOpts
}

// Fetch navigates to rawURL, waits for the document (and optionally a
// selector and images) and returns the rendered outer HTML.
func (c *ChromeFetcher) Fetch(parentCtx context.Context, rawURL string, opts Options) Result {
	opts = opts.normalized()
	if _, err := validateURL(rawURL); err != nil {
		return failure(apperr.KindOf(err), err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, c.allocatorOptions(opts)...)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// Apply timeout to the entire sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.PageTimeout)
	defer timeoutCancel()

	setup := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)),
	}
	if opts.Stealth {
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}))
	}
	if err := chromedp.Run(ctx, setup); err != nil {
		return failure(classify(ctx, err), fmt.Errorf("chromium setup: %w", err))
	}

	appLog.Debug("chromium navigate", "url", appLog.RedactURL(rawURL), "stealth", opts.Stealth)

	resp, err := chromedp.RunResponse(ctx, chromedp.Navigate(rawURL))
	if err != nil {
		return failure(classify(ctx, err), fmt.Errorf("chromium navigate: %w", err))
	}

	status := 0
	mimeType := ""
	if resp != nil {
		status = int(resp.Status)
		mimeType = resp.MimeType
	}
	if status >= 400 {
		kind := apperr.HTTPStatus(status)
		return Result{Status: status, FinalURL: rawURL, ErrKind: kind, Err: apperr.Newf(kind, "GET %s: status %d", appLog.RedactURL(rawURL), status)}
	}
	if !isHTML(mimeType) && c.cfg.Fallback != nil {
		appLog.Debug("chromium got non-html body; using plain fetch", "mime", mimeType)
		return c.cfg.Fallback.Fetch(parentCtx, rawURL, opts)
	}

	tasks := chromedp.Tasks{
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if opts.WaitSelector != "" {
		tasks = append(tasks, chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery))
	}
	if opts.ScrollSteps > 0 {
		tasks = append(tasks, Scroll(opts.ScrollSteps, 750*time.Millisecond))
	}
	if opts.WaitForImages {
		tasks = append(tasks, waitForImages(5*time.Second))
	}

	var html, finalURL string
	tasks = append(tasks,
		// Small extra delay to allow final paints.
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return failure(classify(ctx, err), fmt.Errorf("chromium run failed: %w", err))
	}

	if status == 0 {
		status = 200
	}
	return Result{
		OK:          true,
		HTML:        html,
		Status:      status,
		FinalURL:    finalURL,
		ContentType: mimeType,
	}
}

// Scroll scrolls to the bottom of the page steps times, pausing between
// scrolls so lazily loaded content can arrive.
func Scroll(steps int, pause time.Duration) chromedp.Action {
	tasks := make(chromedp.Tasks, 0, steps*2)
	for i := 0; i < steps; i++ {
		tasks = append(tasks,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(pause),
		)
	}
	return tasks
}

// waitForImages polls until every <img> reports complete or limit passes.
// Images that never load are not an error.
func waitForImages(limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(limit)
		for time.Now().Before(deadline) {
			var done bool
			if err := chromedp.Evaluate(imagesLoadedJS, &done).Do(ctx); err != nil {
				return err
			}
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		return nil
	})
}

// LooksLikeHTML is a cheap content sniff used when no content type is known.
func LooksLikeHTML(body string) bool {
	head := strings.ToLower(strings.TrimSpace(body))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.Contains(head, "<html")
}
