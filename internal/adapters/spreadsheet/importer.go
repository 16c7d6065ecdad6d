package spreadsheet

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/normalize"
)

// headerSearchRows bounds how far down the sheet the header row may sit.
// DIGEMID exports put it on row 8 under a title block.
const headerSearchRows = 20

type columnAlias struct {
	column  string
	aliases []string
}

// columnAliases are matched in order against accent-folded header cells.
var columnAliases = []columnAlias{
	{domain.ColType, []string{"tipo"}},
	{domain.ColUpdatedAt, []string{"fecha"}},
	{domain.ColProductName, []string{"nombre producto", "nombre del producto", "producto"}},
	{domain.ColHolder, []string{"titular"}},
	{domain.ColManufacturer, []string{"fabricante", "laboratorio"}},
	{domain.ColPharmacy, []string{"farmacia", "botica", "establecimiento", "nombre comercial"}},
	{domain.ColPhone, []string{"telefono"}},
	{domain.ColPrice, []string{"precio"}},
	{domain.ColRegion, []string{"departamento", "region"}},
	{domain.ColProvince, []string{"provincia"}},
	{domain.ColDistrict, []string{"distrito"}},
	{domain.ColAddress, []string{"direccion"}},
}

var requiredColumns = []string{domain.ColPharmacy, domain.ColAddress}

// Importer implements ports.ExportParser for .xlsx exports.
type Importer struct{}

// NewImporter creates a new Importer.
func NewImporter() *Importer {
	return &Importer{}
}

// Parse reads the first sheet of the workbook at path.
func (i *Importer) Parse(ctx context.Context, path string) ([]domain.RawRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", domain.ErrMalformedExport, path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: %s has no sheets", domain.ErrMalformedExport, path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read rows of %s: %v", domain.ErrMalformedExport, path, err)
	}

	return parseRows(rows, path)
}

func parseRows(rows [][]string, path string) ([]domain.RawRow, error) {
	headerIdx, columns := -1, map[int]string(nil)
	for idx := 0; idx < len(rows) && idx < headerSearchRows; idx++ {
		if cols := mapHeader(rows[idx]); hasRequired(cols) {
			headerIdx, columns = idx, cols
			break
		}
	}
	if headerIdx < 0 {
		return nil, fmt.Errorf("%w: %s lacks columns %s", domain.ErrMalformedExport, path, strings.Join(requiredColumns, ", "))
	}

	var out []domain.RawRow
	for _, row := range rows[headerIdx+1:] {
		if isBlank(row) {
			continue
		}
		raw := make(domain.RawRow, len(columns))
		for idx, col := range columns {
			if idx < len(row) {
				raw[col] = strings.TrimSpace(row[idx])
			}
		}
		if raw[domain.ColPharmacy] == "" {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// mapHeader returns column index -> canonical name for a candidate header row.
func mapHeader(row []string) map[int]string {
	cols := make(map[int]string)
	taken := make(map[string]bool)
	for idx, cell := range row {
		h := normalize.Fold(cell)
		if h == "" {
			continue
		}
	match:
		for _, ca := range columnAliases {
			if taken[ca.column] {
				continue
			}
			for _, alias := range ca.aliases {
				if strings.HasPrefix(h, alias) {
					cols[idx] = ca.column
					taken[ca.column] = true
					break match
				}
			}
		}
	}
	return cols
}

func hasRequired(cols map[int]string) bool {
	found := 0
	for _, req := range requiredColumns {
		for _, c := range cols {
			if c == req {
				found++
				break
			}
		}
	}
	return found == len(requiredColumns)
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
