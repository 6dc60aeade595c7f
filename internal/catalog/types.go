// Package catalog holds the catalog service's job types: spreadsheet import,
// catalog export, structure verification, mass attribute fill and product
// transmission to SISCOMEX. Each job is mirrored by a row in
// catalog_job_records that hooks mark when the job ends.
package catalog

import (
	"github.com/sky93/jobflow"
)

const (
	ImportSpreadsheet jobflow.JobType = "IMPORT_SPREADSHEET"
	ExportCatalog     jobflow.JobType = "EXPORT_CATALOG"
	VerifyStructure   jobflow.JobType = "VERIFY_STRUCTURE"
	MassAttributeFill jobflow.JobType = "MASS_ATTRIBUTE_FILL"
	Transmission      jobflow.JobType = "TRANSMISSION"
)

// JobTypes lists every job type this package handles.
var JobTypes = []jobflow.JobType{
	ImportSpreadsheet,
	ExportCatalog,
	VerifyStructure,
	MassAttributeFill,
	Transmission,
}

// RecordsTable is the domain table whose job_id column references jobs.
const RecordsTable = "catalog_job_records"

// Link returns the jobflow.Link that nulls catalog_job_records.job_id when a
// job is deleted or purged.
func Link() jobflow.Link {
	return jobflow.Link{Name: "catalog", Table: RecordsTable, Column: "job_id"}
}

// ImportPayload is the payload of an IMPORT_SPREADSHEET job. The spreadsheet
// itself travels as the job's attached file.
type ImportPayload struct {
	CatalogID int64 `json:"catalog_id"`
}

// ExportPayload is the payload of an EXPORT_CATALOG job.
type ExportPayload struct {
	CatalogID int64 `json:"catalog_id"`
}

// VerifyPayload is the payload of a VERIFY_STRUCTURE job.
type VerifyPayload struct {
	CatalogID int64 `json:"catalog_id"`
}

// FillPayload is the payload of a MASS_ATTRIBUTE_FILL job. An empty Codes
// list fills every product of the catalog.
type FillPayload struct {
	CatalogID int64    `json:"catalog_id"`
	Attribute string   `json:"attribute"`
	Value     string   `json:"value"`
	Codes     []string `json:"codes,omitempty"`
}

// TransmissionPayload is the payload of a TRANSMISSION job. An empty Codes
// list transmits every product of the catalog.
type TransmissionPayload struct {
	CatalogID int64    `json:"catalog_id"`
	Codes     []string `json:"codes,omitempty"`
}

// Product is one row of catalog_products.
type Product struct {
	ID          int64             `json:"id,omitempty"`
	CatalogID   int64             `json:"catalog_id"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	NCM         string            `json:"ncm"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// RecordStatus mirrors the outcome of the job a record belongs to.
type RecordStatus string

const (
	RecordPending   RecordStatus = "PENDING"
	RecordCompleted RecordStatus = "COMPLETED"
	RecordFailed    RecordStatus = "FAILED"
)
