package domain

import (
	"time"

	"taskdeck-conflict-engine/internal/fieldpath"
)

type ConflictType string

const (
	ConflictTypeBothEdited       ConflictType = "both_edited"
	ConflictTypeEditDelete       ConflictType = "edit_delete"
	ConflictTypeMergeable        ConflictType = "mergeable"
	ConflictTypeRevisionMismatch ConflictType = "revision_mismatch"
	ConflictTypeChecksumMismatch ConflictType = "checksum_mismatch"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of a severity, low first.
func (s Severity) Rank() int {
	return severityRank[s]
}

type ResolutionType string

const (
	ResolutionLocal         ResolutionType = "local"
	ResolutionRemote        ResolutionType = "remote"
	ResolutionLastWriteWins ResolutionType = "last_write_wins"
	ResolutionMerge         ResolutionType = "merge"
	ResolutionManual        ResolutionType = "manual"
	ResolutionCustom        ResolutionType = "custom"
)

// DiffKind classifies the structural shape of a single field divergence.
type DiffKind string

const (
	DiffUnchangedFromOrigin DiffKind = "unchanged_from_origin"
	DiffBothChanged         DiffKind = "both_changed"
	DiffOneSided            DiffKind = "one_sided"
	DiffArray               DiffKind = "array"
	DiffString              DiffKind = "string"
	DiffStringCollision     DiffKind = "string_collision"
	DiffNestedObject        DiffKind = "nested_object"
)

// FieldDifference is one divergent field between two document versions.
// ResolvedValue is only meaningful when AutoResolvable is true. The
// missing flags distinguish a field absent on one side from a field
// carrying an explicit null.
type FieldDifference struct {
	Path           fieldpath.Path `json:"path"`
	LocalValue     any            `json:"local_value"`
	RemoteValue    any            `json:"remote_value"`
	LocalMissing   bool           `json:"local_missing,omitempty"`
	RemoteMissing  bool           `json:"remote_missing,omitempty"`
	Kind           DiffKind       `json:"kind"`
	AutoResolvable bool           `json:"auto_resolvable"`
	ResolvedValue  any            `json:"resolved_value,omitempty"`
}

type ConflictInfo struct {
	ID                  string            `json:"id"`
	DocID               string            `json:"doc_id"`
	Type                ConflictType      `json:"type"`
	Severity            Severity          `json:"severity"`
	Local               *DocumentVersion  `json:"local"`
	Remote              *DocumentVersion  `json:"remote"`
	ConflictingFields   []string          `json:"conflicting_fields"`
	Differences         []FieldDifference `json:"differences"`
	DetectedAt          time.Time         `json:"detected_at"`
	Origin              string            `json:"origin,omitempty"`
	AutoResolvable      bool              `json:"auto_resolvable"`
	SuggestedResolution ResolutionType    `json:"suggested_resolution"`
}

type ResolutionResult struct {
	ConflictID     string           `json:"conflict_id"`
	Success        bool             `json:"success"`
	Document       *DocumentVersion `json:"document,omitempty"`
	Type           ResolutionType   `json:"type"`
	FieldsResolved []string         `json:"fields_resolved"`
	ResolvedAt     time.Time        `json:"resolved_at"`
	Notes          string           `json:"notes,omitempty"`
}

// ConflictStats is a read-only projection maintained by the detection
// pipeline; counters only, never authoritative state.
type ConflictStats struct {
	TotalDetected    int64                  `json:"total_detected"`
	ByType           map[ConflictType]int64 `json:"by_type"`
	BySeverity       map[Severity]int64     `json:"by_severity"`
	AutoResolved     int64                  `json:"auto_resolved"`
	ManuallyResolved int64                  `json:"manually_resolved"`
	Pending          int64                  `json:"pending"`
}

// SelectionChoice drives the manual strategy: keep the local value, take
// the remote value, or write an explicit value supplied by the caller.
type SelectionChoice string

const (
	SelectLocal  SelectionChoice = "local"
	SelectRemote SelectionChoice = "remote"
	SelectValue  SelectionChoice = "value"
)

type FieldSelection struct {
	Choice SelectionChoice `json:"choice" validate:"required,oneof=local remote value"`
	Value  any             `json:"value,omitempty"`
}

type ResolveConflictRequest struct {
	Strategy   ResolutionType            `json:"strategy" validate:"required,oneof=local remote last_write_wins merge manual custom"`
	Selections map[string]FieldSelection `json:"selections,omitempty" validate:"dive"`
}
