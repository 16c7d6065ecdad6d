// Package normalize turns spreadsheet rows into canonical location records.
// Both the scraping path and the staged-file import path go through Records.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"digemidscraper/internal/core/domain"
)

const mapsSearchURL = "https://www.google.com/maps/search/?api=1&query="

// Source describes where a batch of rows came from.
type Source struct {
	SearchText string
	ProductID  string
	Region     string // fallback when a row has no department
}

// Records converts raw rows into location records. Rows without a pharmacy
// name are dropped.
func Records(rows []domain.RawRow, src Source) []domain.LocationRecord {
	records := make([]domain.LocationRecord, 0, len(rows))
	for _, row := range rows {
		pharmacy := cell(row, domain.ColPharmacy)
		if pharmacy == "" {
			continue
		}

		rec := domain.LocationRecord{
			ProductID:       src.ProductID,
			SearchText:      src.SearchText,
			Type:            cell(row, domain.ColType),
			SourceUpdatedAt: parseDate(cell(row, domain.ColUpdatedAt)),
			ProductName:     cell(row, domain.ColProductName),
			Holder:          cell(row, domain.ColHolder),
			Manufacturer:    cell(row, domain.ColManufacturer),
			PharmacyName:    pharmacy,
			Phone:           cell(row, domain.ColPhone),
			Price:           parsePrice(cell(row, domain.ColPrice)),
			Region:          cell(row, domain.ColRegion),
			Province:        cell(row, domain.ColProvince),
			District:        cell(row, domain.ColDistrict),
			Address:         cell(row, domain.ColAddress),
		}
		if rec.Region == "" {
			rec.Region = src.Region
		}
		rec.MapsURL = MapsURL(rec.PharmacyName, rec.Address, rec.District, rec.Province)
		rec.RowHash = RowHash(rec)
		records = append(records, rec)
	}
	return records
}

// MapsURL builds a Google Maps search link from the non-empty parts.
func MapsURL(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return mapsSearchURL + url.QueryEscape(strings.Join(kept, ", "))
}

// RowHash fingerprints the source fields of a record.
func RowHash(r domain.LocationRecord) string {
	price := ""
	if r.Price != nil {
		price = strconv.FormatFloat(*r.Price, 'f', -1, 64)
	}
	fields := []string{
		r.SearchText, r.Type, r.SourceUpdatedAt, r.ProductName, r.Holder, r.Manufacturer,
		r.PharmacyName, r.Phone, price, r.Region, r.Province, r.District, r.Address,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func cell(row domain.RawRow, col string) string {
	return strings.Join(strings.Fields(row[col]), " ")
}

func parsePrice(s string) *float64 {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "S/"))
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// parseDate returns an ISO-8601 form of s when it matches a known layout and
// s unchanged otherwise.
func parseDate(s string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
				return t.Format("2006-01-02")
			}
			return t.Format("2006-01-02T15:04:05")
		}
	}
	return s
}
