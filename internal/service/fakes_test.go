package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/normalize"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQueue struct {
	mu       sync.Mutex
	tasks    map[string]*domain.Task
	claims   []string
	failWith error
	failOn   map[domain.TaskStatus]error // status updates that return an error
}

func newFakeQueue(tasks ...domain.Task) *fakeQueue {
	q := &fakeQueue{tasks: make(map[string]*domain.Task)}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, t := range tasks {
		t := t
		if t.Status == "" {
			t.Status = domain.TaskPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		}
		q.tasks[t.ID] = &t
	}
	return q
}

func (q *fakeQueue) status(id string) domain.TaskStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id].Status
}

func (q *fakeQueue) errorLog(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id].ErrorLog
}

func (q *fakeQueue) ClaimNext(ctx context.Context) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return nil, q.failWith
	}
	var pending []*domain.Task
	for _, t := range q.tasks {
		if t.Status == domain.TaskPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	t := pending[0]
	t.Status = domain.TaskInProgress
	q.claims = append(q.claims, t.ID)
	claimed := *t
	return &claimed, nil
}

func (q *fakeQueue) set(id string, status domain.TaskStatus, log string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failOn[status]; err != nil {
		return err
	}
	t, ok := q.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Status = status
	t.ErrorLog = log
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, id string) error {
	return q.set(id, domain.TaskDone, "")
}

func (q *fakeQueue) Fail(ctx context.Context, id, reason string) error {
	return q.set(id, domain.TaskFailed, reason)
}

func (q *fakeQueue) Requeue(ctx context.Context, id string) error {
	return q.set(id, domain.TaskPending, "")
}

func (q *fakeQueue) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == domain.TaskInProgress && t.UpdatedAt.Before(cutoff) {
			t.Status = domain.TaskPending
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) FindPending(ctx context.Context, stem string) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Task
	for _, t := range q.tasks {
		if t.Status == domain.TaskPending && normalize.Stem(t.SearchText) == stem {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *fakeQueue) Resolve(ctx context.Context, id, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != domain.TaskPending {
		return domain.ErrTaskNotFound
	}
	t.Status = domain.TaskDone
	t.ErrorLog = note
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	rows     map[domain.NaturalKey]domain.LocationRecord
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[domain.NaturalKey]domain.LocationRecord)}
}

func (s *fakeStore) Upsert(ctx context.Context, records []domain.LocationRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	for _, r := range records {
		s.rows[r.Key()] = r
	}
	return len(records), nil
}

func (s *fakeStore) CountFor(ctx context.Context, searchText string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.rows {
		if k.SearchText == searchText {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fakeParser returns canned rows keyed by file base name.
type fakeParser struct {
	rows map[string][]domain.RawRow
	errs map[string]error
}

func (p *fakeParser) Parse(ctx context.Context, path string) ([]domain.RawRow, error) {
	name := filepath.Base(path)
	if err, ok := p.errs[name]; ok {
		return nil, err
	}
	return p.rows[name], nil
}

// scriptedFetcher plays back one outcome per call and writes a file on success.
type scriptedFetcher struct {
	dir      string
	outcomes []error
	calls    []string
	closed   int
}

func (f *scriptedFetcher) Fetch(ctx context.Context, searchText, regionCode string) (domain.ExportFile, error) {
	f.calls = append(f.calls, searchText)
	var err error
	if len(f.outcomes) > 0 {
		err, f.outcomes = f.outcomes[0], f.outcomes[1:]
	}
	if err != nil {
		return domain.ExportFile{}, err
	}
	path := filepath.Join(f.dir, normalize.Stem(searchText)+".xlsx")
	if werr := os.WriteFile(path, []byte("xlsx"), 0o644); werr != nil {
		return domain.ExportFile{}, werr
	}
	return domain.ExportFile{SearchText: searchText, Path: path}, nil
}

func (f *scriptedFetcher) Close() error {
	f.closed++
	return nil
}

// fakePortal scripts the browser steps for fetcher tests.
type fakePortal struct {
	openErr   error
	searchObs []domain.Observation
	searchErr []error
	filterErr error
	submitObs domain.Observation
	exportDir string
	opens     int
	closes    int
	searches  int
}

func (p *fakePortal) Open(ctx context.Context) error {
	p.opens++
	return p.openErr
}

func (p *fakePortal) Search(ctx context.Context, text string) (domain.Observation, error) {
	i := p.searches
	p.searches++
	var obs domain.Observation
	var err error
	if i < len(p.searchObs) {
		obs = p.searchObs[i]
	}
	if i < len(p.searchErr) {
		err = p.searchErr[i]
	}
	return obs, err
}

func (p *fakePortal) FilterRegion(ctx context.Context, regionCode string) error {
	return p.filterErr
}

func (p *fakePortal) Submit(ctx context.Context) (domain.Observation, error) {
	return p.submitObs, nil
}

func (p *fakePortal) Export(ctx context.Context, dir string) (string, error) {
	p.exportDir = dir
	path := filepath.Join(dir, "0b7e4a52-download")
	if err := os.WriteFile(path, []byte("xlsx"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (p *fakePortal) Close() error {
	p.closes++
	return nil
}

func pharmacyRows(n int) []domain.RawRow {
	rows := make([]domain.RawRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, domain.RawRow{
			domain.ColPharmacy: "BOTICA " + string(rune('A'+i)),
			domain.ColAddress:  "AV. EJERCITO " + string(rune('1'+i)),
			domain.ColPrice:    "S/ 3.50",
		})
	}
	return rows
}
