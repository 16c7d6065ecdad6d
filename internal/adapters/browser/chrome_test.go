package browser

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

func newTestPortal() *ChromePortal {
	p := NewChromePortal(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.statuses = make(chan int64, 8)
	p.downloads = make(chan download, 4)
	return p
}

func TestNewChromePortalDefaults(t *testing.T) {
	p := newTestPortal()
	if p.cfg.URL != DefaultURL {
		t.Errorf("Expected default URL, got %s", p.cfg.URL)
	}
	if p.cfg.StepTimeout != 8*time.Second || p.cfg.DownloadTimeout != 25*time.Second {
		t.Errorf("Unexpected timeouts %s/%s", p.cfg.StepTimeout, p.cfg.DownloadTimeout)
	}
}

func TestOnEventRoutesAutocompleteStatus(t *testing.T) {
	p := newTestPortal()

	p.onEvent(&network.EventResponseReceived{Response: &network.Response{
		URL:    "https://ms-opm.minsa.gob.pe/msopmcovid/producto/autocompleteciudadano",
		Status: 429,
	}})
	p.onEvent(&network.EventResponseReceived{Response: &network.Response{
		URL:    "https://opm-digemid.minsa.gob.pe/assets/logo.png",
		Status: 200,
	}})

	select {
	case s := <-p.statuses:
		if s != 429 {
			t.Errorf("Expected status 429, got %d", s)
		}
	default:
		t.Fatal("Expected an autocomplete status")
	}
	select {
	case s := <-p.statuses:
		t.Errorf("Expected unrelated responses to be ignored, got %d", s)
	default:
	}
}

func TestOnEventRoutesDownloads(t *testing.T) {
	p := newTestPortal()

	p.onEvent(&browser.EventDownloadProgress{GUID: "g1", State: browser.DownloadProgressStateInProgress})
	p.onEvent(&browser.EventDownloadProgress{GUID: "g1", State: browser.DownloadProgressStateCompleted})
	p.onEvent(&browser.EventDownloadProgress{GUID: "g2", State: browser.DownloadProgressStateCanceled})

	first := <-p.downloads
	if first.guid != "g1" || first.err != nil {
		t.Errorf("Expected completed g1, got %+v", first)
	}
	second := <-p.downloads
	if second.guid != "g2" || second.err == nil {
		t.Errorf("Expected canceled g2 with error, got %+v", second)
	}
	if len(p.downloads) != 0 {
		t.Errorf("Expected in-progress events to be ignored")
	}
}

func TestOnEventDoesNotBlockWhenFull(t *testing.T) {
	p := newTestPortal()
	for i := 0; i < cap(p.statuses)+3; i++ {
		p.onEvent(&network.EventResponseReceived{Response: &network.Response{URL: autocompletePath, Status: 200}})
	}
	drain(p.statuses)
	if len(p.statuses) != 0 {
		t.Errorf("Expected drained channel, %d left", len(p.statuses))
	}
}

func TestClickByTextScript(t *testing.T) {
	script := clickByTextScript([]string{"button", "a"}, []string{"Excel", "Exportar"}, "button.btn-excel")

	for _, want := range []string{`["Excel", "Exportar"]`, `"button, a"`, `"button.btn-excel"`} {
		if !strings.Contains(script, want) {
			t.Errorf("Expected script to contain %s:\n%s", want, script)
		}
	}
}

func TestJSStringsEscapes(t *testing.T) {
	got := jsStrings([]string{`say "hi"`, "ñandú"})
	want := `["say \"hi\"", "ñandú"]`
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCloseWithoutSession(t *testing.T) {
	p := newTestPortal()
	if err := p.Close(); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func findChrome() bool {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell", "chrome"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func TestOpenKeepsBrowserAlive(t *testing.T) {
	if !findChrome() {
		t.Skip("no Chrome binary found")
	}

	p := NewChromePortal(Config{Headless: true, StepTimeout: 10 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	if err := p.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	for i := 0; i < 2; i++ {
		sctx, done := p.step(ctx, p.cfg.StepTimeout)
		var n int
		err := chromedp.Run(sctx, chromedp.Evaluate(`1 + 1`, &n))
		done()
		if err != nil {
			t.Fatalf("Action %d after Open failed: %v", i, err)
		}
		if n != 2 {
			t.Errorf("Expected 2, got %d", n)
		}
	}

	if err := p.Open(ctx); err != nil {
		t.Fatalf("Second Open failed: %v", err)
	}
}
