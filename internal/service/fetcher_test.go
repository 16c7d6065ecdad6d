package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digemidscraper/internal/adapters/localstorage"
	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/ratelimit"
)

func newTestFetcher(t *testing.T, portal *fakePortal, attempts int) (*ExportFetcher, string) {
	t.Helper()
	dir := t.TempDir()
	f := NewExportFetcher(portal, ratelimit.NewGuard(nil, nil), localstorage.NewLocalStorage(dir, ""),
		FetcherConfig{Attempts: attempts, RetryPause: time.Second}, discardLogger())
	f.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f, dir
}

func TestFetchPlacesExportOnCanonicalPath(t *testing.T) {
	portal := &fakePortal{submitObs: domain.Observation{HTML: "<table><tr><td>BOTICA A</td></tr></table>"}}
	f, dir := newTestFetcher(t, portal, 3)

	file, err := f.Fetch(context.Background(), "PARACETAMOL 500MG", "04")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	want := filepath.Join(dir, "PARACETAMOL 500MG.xlsx")
	if file.Path != want {
		t.Errorf("Expected path %s, got %s", want, file.Path)
	}
	if file.SearchText != "PARACETAMOL 500MG" {
		t.Errorf("Expected search text kept, got %q", file.SearchText)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("Expected export on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "0b7e4a52-download")); !os.IsNotExist(err) {
		t.Errorf("Expected raw download to be renamed, stat err = %v", err)
	}
	if portal.exportDir != dir {
		t.Errorf("Expected download into %s, got %s", dir, portal.exportDir)
	}
}

func TestFetchBlockedClosesSessionWithoutRetry(t *testing.T) {
	tests := []struct {
		name   string
		portal *fakePortal
	}{
		{
			name:   "autocomplete 429",
			portal: &fakePortal{searchObs: []domain.Observation{{StatusCode: 429}}},
		},
		{
			name:   "block page",
			portal: &fakePortal{submitObs: domain.Observation{HTML: "<h1>Demasiadas solicitudes</h1>"}},
		},
		{
			name:   "target closed",
			portal: &fakePortal{filterErr: errors.New("context canceled: target closed")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFetcher(t, tt.portal, 3)

			_, err := f.Fetch(context.Background(), "IBUPROFENO", "04")
			if !errors.Is(err, domain.ErrBlocked) {
				t.Fatalf("Expected ErrBlocked, got %v", err)
			}
			if tt.portal.opens != 1 {
				t.Errorf("Expected a single attempt, got %d", tt.portal.opens)
			}
			if tt.portal.closes != 1 {
				t.Errorf("Expected the session to be closed once, got %d", tt.portal.closes)
			}
		})
	}
}

func TestFetchRetriesTransportFailures(t *testing.T) {
	portal := &fakePortal{searchErr: []error{errors.New("waiting for dropdown: context deadline exceeded"), nil}}
	f, _ := newTestFetcher(t, portal, 3)

	if _, err := f.Fetch(context.Background(), "NAPROXENO", "04"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if portal.opens != 2 {
		t.Errorf("Expected 2 attempts, got %d", portal.opens)
	}
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	portal := &fakePortal{openErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	f, _ := newTestFetcher(t, portal, 2)

	_, err := f.Fetch(context.Background(), "NAPROXENO", "04")
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if !strings.Contains(err.Error(), "gave up after 2 attempts") {
		t.Errorf("Unexpected error message: %v", err)
	}
	if portal.opens != 2 {
		t.Errorf("Expected 2 attempts, got %d", portal.opens)
	}
}

func TestFetchNoResults(t *testing.T) {
	portal := &fakePortal{submitObs: domain.Observation{HTML: "<div class='alert'>No se encontraron resultados</div>"}}
	f, dir := newTestFetcher(t, portal, 3)

	_, err := f.Fetch(context.Background(), "XYZ", "04")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if portal.opens != 1 {
		t.Errorf("Expected no retry on NotFound, got %d attempts", portal.opens)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no download, found %d files", len(entries))
	}
}

func TestHasNoResults(t *testing.T) {
	tests := []struct {
		html string
		want bool
	}{
		{"", false},
		{"<p>Sin resultados para la búsqueda</p>", true},
		{"<span>Mostrando 0 registros</span>", true},
		{"<span>Mostrando 10 registros</span>", false},
		{"<script>var m = 'no se encontraron resultados'</script><p>3 registros</p>", false},
	}

	for _, tt := range tests {
		if got := hasNoResults(tt.html); got != tt.want {
			t.Errorf("hasNoResults(%q) = %v, want %v", tt.html, got, tt.want)
		}
	}
}
