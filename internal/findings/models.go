// Package findings provides the PostgreSQL-backed persistence layer for
// page-integrity findings produced by pkg/pageverify. It exposes typed
// model structs for the findings table and a Store that wraps a pgxpool
// connection pool with a batched insert path, the same shape the teacher
// dashboard server used for its alerts table.
package findings

import (
	"encoding/json"
	"time"
)

// Kind mirrors the reportable outcomes of pkg/pageverify's per-module and
// per-dump flows.
type Kind string

const (
	KindMissingModule        Kind = "missing-module"
	KindUnresolvedRelocation Kind = "unresolved-relocation"
	KindMismatch             Kind = "mismatch"
)

// PageClass mirrors pageverify.PageClass as a stable string for storage,
// decoupling the schema from the in-process enum's numeric values.
type PageClass string

const (
	PageClassKernelCode     PageClass = "kernel-code"
	PageClassKernelExecData PageClass = "kernel-exec-data"
	PageClassVsyscall       PageClass = "vsyscall"
	PageClassModuleCode     PageClass = "module-code"
	PageClassVmap           PageClass = "vmap"
	PageClassVmapLazy       PageClass = "vmap-lazy-free"
	PageClassUnknown        PageClass = "unknown"
)

// Finding maps to the `findings` table: one row per reportable outcome of
// a page-verification run against one registered dump (see
// internal/registry).
//
// Offset, OldByte and NewByte are populated only for Kind ==
// KindMismatch; Module is populated for KindMissingModule and
// KindMismatch (empty for a kernel-page finding).
type Finding struct {
	FindingID string          `json:"finding_id"`
	DumpID    int64           `json:"dump_id"`
	Kind      Kind            `json:"kind"`
	Module    string          `json:"module,omitempty"`
	PageClass PageClass       `json:"page_class,omitempty"`
	PageAddr  uint64          `json:"page_addr,omitempty"`
	Offset    uint64          `json:"offset,omitempty"`
	OldByte   byte            `json:"old_byte,omitempty"`
	NewByte   byte            `json:"new_byte,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// FindingQuery carries the filter and pagination parameters for
// QueryFindings.
//
// DumpID is mandatory. Kind, when non-empty, restricts to one finding
// kind. From/To bracket created_at; a zero To means "no upper bound".
// Limit defaults to 100 when ≤ 0.
type FindingQuery struct {
	DumpID int64
	Kind   Kind
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
