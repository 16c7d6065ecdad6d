package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"digemidscraper/internal/core/domain"
)

// DefaultURL is the DIGEMID product lookup page.
const DefaultURL = "https://opm-digemid.minsa.gob.pe/#/consulta-producto"

const (
	searchInput      = `input[type='text']`
	dropdownMenu     = `ul.dropdown-menu.show`
	dropdownOption   = `ul.dropdown-menu.show a.ng-star-inserted`
	regionSelect     = `select[name='codigoDepartamento']`
	autocompletePath = "autocompleteciudadano"
	userAgent        = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

// Config holds the browser session settings.
type Config struct {
	URL             string
	Headless        bool
	StepTimeout     time.Duration // bound on each wait for an element or response
	DownloadTimeout time.Duration
	SettleDelay     time.Duration // pause after navigation and after submitting
}

// ChromePortal implements ports.Portal with a Chrome instance driven by chromedp.
type ChromePortal struct {
	cfg    Config
	logger *slog.Logger

	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	statuses  chan int64
	downloads chan download
}

type download struct {
	guid string
	err  error
}

// NewChromePortal creates a portal. The browser starts on Open.
func NewChromePortal(cfg Config, logger *slog.Logger) *ChromePortal {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 8 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 25 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	return &ChromePortal{cfg: cfg, logger: logger.With("component", "ChromePortal")}
}

// Open launches the browser if no session is running.
func (p *ChromePortal) Open(ctx context.Context) error {
	if p.tab != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, cancelTab := chromedp.NewContext(allocCtx)

	p.statuses = make(chan int64, 8)
	p.downloads = make(chan download, 4)
	chromedp.ListenTarget(tab, p.onEvent)
	p.tab, p.cancelTab, p.cancelAlloc = tab, cancelTab, cancelAlloc

	// The first Run on the tab starts Chrome with the tab context, so it must
	// not carry a deadline: cancelling it kills the browser process.
	if err := chromedp.Run(p.tab); err != nil {
		p.Close()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	sctx, done := p.step(ctx, p.cfg.StepTimeout)
	defer done()
	if err := chromedp.Run(sctx, network.Enable()); err != nil {
		p.Close()
		return fmt.Errorf("failed to enable network events: %w", err)
	}

	p.logger.Info("browser session started", "headless", p.cfg.Headless)
	return nil
}

func (p *ChromePortal) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if ev.Response != nil && strings.Contains(ev.Response.URL, autocompletePath) {
			select {
			case p.statuses <- ev.Response.Status:
			default:
			}
		}
	case *browser.EventDownloadProgress:
		var d download
		switch ev.State {
		case browser.DownloadProgressStateCompleted:
			d = download{guid: ev.GUID}
		case browser.DownloadProgressStateCanceled:
			d = download{guid: ev.GUID, err: errors.New("download canceled")}
		default:
			return
		}
		select {
		case p.downloads <- d:
		default:
		}
	}
}

// step derives a bounded context on the tab that also ends when ctx does.
func (p *ChromePortal) step(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithTimeout(p.tab, d)
	stop := context.AfterFunc(ctx, cancel)
	return sctx, func() {
		stop()
		cancel()
	}
}

// Search loads a fresh search page, types text and picks the first suggestion.
// The observation carries the autocomplete response status and the page.
func (p *ChromePortal) Search(ctx context.Context, text string) (obs domain.Observation, err error) {
	if p.tab == nil {
		return obs, errors.New("browser session not open")
	}
	drain(p.statuses)

	sctx, done := p.step(ctx, 3*p.cfg.StepTimeout+p.cfg.SettleDelay)
	defer done()

	err = chromedp.Run(sctx,
		chromedp.Navigate(p.cfg.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.cfg.SettleDelay),
		dismissInterstitials(),
		chromedp.WaitVisible(searchInput, chromedp.ByQuery),
		chromedp.SetValue(searchInput, "", chromedp.ByQuery),
		chromedp.SendKeys(searchInput, text, chromedp.ByQuery),
	)
	if err != nil {
		return p.observe(ctx, 0, fmt.Errorf("failed to type search text: %w", err))
	}

	status := p.awaitStatus(ctx)
	if status == 429 {
		return p.observe(ctx, status, nil)
	}

	pick, pickDone := p.step(ctx, p.cfg.StepTimeout)
	defer pickDone()
	err = chromedp.Run(pick,
		chromedp.WaitVisible(dropdownMenu, chromedp.ByQuery),
		chromedp.Click(dropdownOption, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return p.observe(ctx, status, fmt.Errorf("no autocomplete option for %q: %w", text, err))
	}
	return p.observe(ctx, status, nil)
}

// awaitStatus waits for the autocomplete response triggered by typing.
// A missing response is not an error; the dropdown check decides.
func (p *ChromePortal) awaitStatus(ctx context.Context) int {
	timer := time.NewTimer(p.cfg.StepTimeout)
	defer timer.Stop()
	select {
	case s := <-p.statuses:
		return int(s)
	case <-timer.C:
	case <-ctx.Done():
	}
	return 0
}

// observe captures the current page. The returned error is the step error, if any.
func (p *ChromePortal) observe(ctx context.Context, status int, stepErr error) (domain.Observation, error) {
	obs := domain.Observation{StatusCode: status, Err: stepErr}

	sctx, done := p.step(ctx, p.cfg.StepTimeout)
	defer done()
	var html string
	if err := chromedp.Run(sctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		if obs.Err == nil {
			obs.Err = err
		}
		return obs, stepErr
	}
	obs.HTML = html
	return obs, stepErr
}

// FilterRegion selects the department and notifies the Angular form.
func (p *ChromePortal) FilterRegion(ctx context.Context, regionCode string) error {
	if p.tab == nil {
		return errors.New("browser session not open")
	}
	sctx, done := p.step(ctx, p.cfg.StepTimeout)
	defer done()

	script := fmt.Sprintf(`(() => {
		const s = document.querySelector(%q);
		if (!s) return false;
		s.value = %q;
		s.dispatchEvent(new Event('change', { bubbles: true }));
		return s.value === %q;
	})()`, regionSelect, regionCode, regionCode)

	var ok bool
	if err := chromedp.Run(sctx,
		chromedp.WaitVisible(regionSelect, chromedp.ByQuery),
		chromedp.Evaluate(script, &ok),
	); err != nil {
		return fmt.Errorf("region filter unavailable: %w", err)
	}
	if !ok {
		return fmt.Errorf("region %q not offered by the filter", regionCode)
	}
	return nil
}

// Submit presses the search button and reports the rendered result page.
func (p *ChromePortal) Submit(ctx context.Context) (domain.Observation, error) {
	if p.tab == nil {
		return domain.Observation{}, errors.New("browser session not open")
	}
	sctx, done := p.step(ctx, p.cfg.StepTimeout+3*p.cfg.SettleDelay)
	defer done()

	var clicked bool
	err := chromedp.Run(sctx,
		chromedp.Evaluate(clickByTextScript([]string{"button"}, []string{"Buscar"}, `button[type='submit']`), &clicked),
		chromedp.Sleep(2*p.cfg.SettleDelay),
	)
	if err == nil && !clicked {
		err = errors.New("search button not found")
	}
	if err != nil {
		return p.observe(ctx, 0, fmt.Errorf("failed to submit search: %w", err))
	}
	return p.observe(ctx, 0, nil)
}

// Export clicks the spreadsheet export control and waits for the download to
// land in dir. The file keeps the browser-assigned name; the caller renames it.
func (p *ChromePortal) Export(ctx context.Context, dir string) (string, error) {
	if p.tab == nil {
		return "", errors.New("browser session not open")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve download dir: %w", err)
	}
	drainDownloads(p.downloads)

	sctx, done := p.step(ctx, p.cfg.StepTimeout)
	defer done()

	var clicked bool
	err = chromedp.Run(sctx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(absDir).
			WithEventsEnabled(true),
		chromedp.Evaluate(clickByTextScript(
			[]string{"button", "a"},
			[]string{"Excel", "Exportar", "Descargar"},
			`button[title*='Excel']`,
		), &clicked),
	)
	if err != nil {
		return "", fmt.Errorf("failed to trigger export: %w", err)
	}
	if !clicked {
		return "", errors.New("export button not found")
	}

	timer := time.NewTimer(p.cfg.DownloadTimeout)
	defer timer.Stop()
	select {
	case d := <-p.downloads:
		if d.err != nil {
			return "", d.err
		}
		p.logger.Debug("download completed", "guid", d.guid)
		return filepath.Join(absDir, d.guid), nil
	case <-timer.C:
		return "", fmt.Errorf("download did not complete within %s", p.cfg.DownloadTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close ends the browser session.
func (p *ChromePortal) Close() error {
	if p.tab == nil {
		return nil
	}
	p.cancelTab()
	p.cancelAlloc()
	p.tab, p.cancelTab, p.cancelAlloc = nil, nil, nil
	p.logger.Info("browser session closed")
	return nil
}

// dismissInterstitials clicks away the notice modals the portal shows on load.
func dismissInterstitials() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var n int
		return chromedp.Evaluate(`(() => {
			let n = 0;
			for (const b of document.querySelectorAll('button')) {
				const t = (b.innerText || '').trim();
				if (['Cerrar', 'Aceptar', 'OK'].includes(t) && b.offsetParent !== null) { b.click(); n++; }
			}
			return n;
		})()`, &n).Do(ctx)
	})
}

// clickByTextScript builds a script that clicks the first visible element of
// the given tags whose text contains one of labels, falling back to selector.
func clickByTextScript(tags, labels []string, fallback string) string {
	return fmt.Sprintf(`(() => {
		const labels = %s;
		for (const el of document.querySelectorAll(%q)) {
			const t = (el.innerText || '').trim();
			if (el.offsetParent !== null && labels.some(l => t.includes(l))) { el.click(); return true; }
		}
		const fb = document.querySelector(%q);
		if (fb) { fb.click(); return true; }
		return false;
	})()`, jsStrings(labels), strings.Join(tags, ", "), fallback)
}

func jsStrings(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func drain(ch chan int64) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainDownloads(ch chan download) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
