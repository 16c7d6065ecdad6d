package domain

import "time"

// TaskTypeLocationScrape is the only queue task type this worker consumes.
const TaskTypeLocationScrape = "SCRAPING_UBICACION"

// TaskStatus is the lifecycle state of a queued Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
	TaskFailed     TaskStatus = "FAILED"
)

// Task represents one product search waiting in the remote queue.
type Task struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Status     TaskStatus `json:"status"`
	SearchText string     `json:"search_text"` // portal query and export filename stem
	ProductID  string     `json:"product_id,omitempty"`
	ErrorLog   string     `json:"error_log,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ExportFile is a spreadsheet on local disk, either downloaded from the portal
// or staged by an operator.
type ExportFile struct {
	SearchText string
	Path       string
}

// LocationRecord is one pharmacy row as persisted in the location table.
type LocationRecord struct {
	ProductID       string   `json:"product_id,omitempty"`
	SearchText      string   `json:"search_text"`
	Type            string   `json:"type,omitempty"`
	SourceUpdatedAt string   `json:"source_updated_at,omitempty"`
	ProductName     string   `json:"product_name,omitempty"`
	Holder          string   `json:"holder,omitempty"`
	Manufacturer    string   `json:"manufacturer,omitempty"`
	PharmacyName    string   `json:"pharmacy_name"`
	Phone           string   `json:"phone,omitempty"`
	Price           *float64 `json:"price,omitempty"`
	Region          string   `json:"region,omitempty"`
	Province        string   `json:"province,omitempty"`
	District        string   `json:"district,omitempty"`
	Address         string   `json:"address"`
	MapsURL         string   `json:"maps_url,omitempty"`
	RowHash         string   `json:"row_hash"`
}

// NaturalKey identifies a record for deduplication. A pharmacy lists one row
// per presentation, so the product columns are part of the key.
type NaturalKey struct {
	SearchText   string
	PharmacyName string
	Address      string
	ProductName  string
	Manufacturer string
	Holder       string
}

// Key returns the natural key of the record.
func (r LocationRecord) Key() NaturalKey {
	return NaturalKey{
		SearchText:   r.SearchText,
		PharmacyName: r.PharmacyName,
		Address:      r.Address,
		ProductName:  r.ProductName,
		Manufacturer: r.Manufacturer,
		Holder:       r.Holder,
	}
}

// RawRow is a spreadsheet data row keyed by canonical column name.
type RawRow map[string]string

// Canonical column names produced by the spreadsheet importer.
const (
	ColType         = "tipo"
	ColUpdatedAt    = "fecha_actualizacion"
	ColProductName  = "nombre_producto"
	ColHolder       = "titular"
	ColManufacturer = "fabricante"
	ColPharmacy     = "establecimiento"
	ColPhone        = "telefono"
	ColPrice        = "precio"
	ColRegion       = "departamento"
	ColProvince     = "provincia"
	ColDistrict     = "distrito"
	ColAddress      = "direccion"
)

// Observation is what the portal showed after an interaction.
type Observation struct {
	StatusCode int    // status of the watched request, 0 when none was seen
	HTML       string // rendered page, may be empty
	Err        error  // error raised by the browser driver, if any
}

// Verdict is the rate-limit classification of an Observation.
type Verdict int

const (
	Normal Verdict = iota
	Blocked
)

func (v Verdict) String() string {
	if v == Blocked {
		return "blocked"
	}
	return "normal"
}

// CooldownState tracks the portal-wide pause after a block. The orchestrator
// owns it for the duration of one run.
type CooldownState struct {
	Active            bool
	ResumeAt          time.Time
	ConsecutiveBlocks int
}

// RunSummary holds the outcome counters of one orchestrator pass.
type RunSummary struct {
	RunID          string
	StagedImported int
	TasksDone      int
	TasksFailed    int
	TasksSkipped   int
	Blocks         int
	Recovered      int
	Records        int
	StartedAt      time.Time
	FinishedAt     time.Time
}
