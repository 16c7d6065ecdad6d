package db

import (
	"context"
	"fmt"
	"time"

	"digemidscraper/internal/core/domain"
)

// DefaultBatchSize is the number of records written per transaction.
const DefaultBatchSize = 500

// LocationStore implements ports.ResultStore on the location table.
type LocationStore struct {
	db        *DB
	batchSize int
	now       func() time.Time
}

// NewLocationStore creates a LocationStore. A non-positive batch size uses the default.
func NewLocationStore(d *DB, batchSize int) *LocationStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &LocationStore{db: d, batchSize: batchSize, now: func() time.Time { return time.Now().UTC() }}
}

// Upsert writes records keyed by their natural key (domain.NaturalKey). Records
// repeating a key within the input collapse to the last one. Each batch commits
// on its own; on failure the returned *domain.PersistenceError tells how many
// records were committed before it.
func (s *LocationStore) Upsert(ctx context.Context, records []domain.LocationRecord) (int, error) {
	records = dedupe(records)
	if len(records) == 0 {
		return 0, nil
	}

	query := s.db.rebindQuery(`INSERT INTO ` + s.db.locations + ` (
			product_id, search_text, type, source_updated_at, product_name, holder, manufacturer,
			pharmacy_name, phone, price, region, province, district, address, maps_url, row_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (search_text, pharmacy_name, address, product_name, manufacturer, holder) DO UPDATE SET
			product_id = excluded.product_id,
			type = excluded.type,
			source_updated_at = excluded.source_updated_at,
			phone = excluded.phone,
			price = excluded.price,
			region = excluded.region,
			province = excluded.province,
			district = excluded.district,
			maps_url = excluded.maps_url,
			row_hash = excluded.row_hash,
			updated_at = excluded.updated_at`)

	written := 0
	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.writeBatch(ctx, query, records[start:end]); err != nil {
			return written, &domain.PersistenceError{
				Committed: written,
				Failed:    len(records) - written,
				Err:       err,
			}
		}
		written += end - start
	}
	return written, nil
}

func (s *LocationStore) writeBatch(ctx context.Context, query string, batch []domain.LocationRecord) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, r := range batch {
		_, err := stmt.ExecContext(ctx,
			r.ProductID, r.SearchText, r.Type, r.SourceUpdatedAt, r.ProductName, r.Holder, r.Manufacturer,
			r.PharmacyName, r.Phone, r.Price, r.Region, r.Province, r.District, r.Address, r.MapsURL, r.RowHash,
			now, now,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %q at %q: %w", r.PharmacyName, r.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// CountFor returns how many records exist for a search text.
func (s *LocationStore) CountFor(ctx context.Context, searchText string) (int, error) {
	query := s.db.rebindQuery(`SELECT COUNT(*) FROM ` + s.db.locations + ` WHERE search_text = ?`)
	var n int
	if err := s.db.db.QueryRowContext(ctx, query, searchText).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count locations: %v", domain.ErrPersistence, err)
	}
	return n, nil
}

// Count returns the total number of rows in the location table.
func (s *LocationStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.db.locations).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count locations: %v", domain.ErrPersistence, err)
	}
	return n, nil
}

func dedupe(records []domain.LocationRecord) []domain.LocationRecord {
	index := make(map[domain.NaturalKey]int, len(records))
	out := make([]domain.LocationRecord, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.Key()]; ok {
			out[i] = r
			continue
		}
		index[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}
