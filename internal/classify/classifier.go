package classify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskdeck-conflict-engine/internal/diff"
	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/pkg/checksum"
)

// ClassificationError marks a document pair the classifier could not
// examine (malformed identity, unreadable revision). The pipeline skips
// such documents and re-arms detection on their next change event.
type ClassificationError struct {
	DocID  string
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("cannot classify document %q: %s", e.DocID, e.Reason)
}

type Config struct {
	Rules           *SeverityRules
	Origin          string
	VerifyChecksums bool
	StringSeparator string

	// MaxDifferences bounds the diff walk on pathological documents.
	// Zero means unbounded.
	MaxDifferences int
}

type Classifier struct {
	severity        map[string]domain.Severity
	critical        []string
	origin          string
	verifyChecksums bool
	separator       string
	maxDifferences  int
}

func New(cfg Config) *Classifier {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultSeverityRules()
	}
	return &Classifier{
		severity:        rules.table(),
		critical:        rules.Critical,
		origin:          cfg.Origin,
		verifyChecksums: cfg.VerifyChecksums,
		separator:       cfg.StringSeparator,
		maxDifferences:  cfg.MaxDifferences,
	}
}

// Classify compares a local/remote revision pair and describes the
// conflict between them. A nil ConflictInfo with nil error means the
// pair is a phantom conflict (identical content, divergent revisions
// only) and either revision can be adopted silently. base carries the
// common-ancestor body when the caller still has it, and may be nil.
func (c *Classifier) Classify(local, remote *domain.DocumentVersion, base map[string]any) (*domain.ConflictInfo, error) {
	if err := c.validate(local, remote); err != nil {
		return nil, err
	}

	opts := []diff.Option{diff.WithCriticalFields(c.critical)}
	if c.separator != "" {
		opts = append(opts, diff.WithSeparator(c.separator))
	}
	if base != nil {
		opts = append(opts, diff.WithBase(base))
	}
	if c.maxDifferences > 0 {
		opts = append(opts, diff.WithMaxDifferences(c.maxDifferences))
	}
	differences := diff.Diff(local.Data, remote.Data, opts...)

	// Identified arrays compare as sets, so leaves that differ only in
	// element order also land here and get adopted as phantoms.
	deletion := local.Deleted != remote.Deleted
	if len(differences) == 0 && !deletion {
		return nil, nil
	}

	info := &domain.ConflictInfo{
		ID:                uuid.New().String(),
		DocID:             local.DocID,
		Local:             local,
		Remote:            remote,
		Differences:       differences,
		ConflictingFields: fieldPaths(differences),
		DetectedAt:        time.Now(),
		Origin:            remote.UpdatedBy,
	}

	info.Severity = c.computeSeverity(differences)
	info.Type = c.conflictType(local, remote, differences, deletion)

	switch info.Type {
	case domain.ConflictTypeEditDelete, domain.ConflictTypeChecksumMismatch:
		info.Severity = domain.SeverityCritical
	}

	info.AutoResolvable = info.Severity != domain.SeverityCritical && allResolvable(differences)
	info.SuggestedResolution = c.suggest(info)

	// A truncated diff may hide unresolvable fields; never auto-resolve
	// past the bound.
	if c.maxDifferences > 0 && len(differences) >= c.maxDifferences {
		info.AutoResolvable = false
		info.SuggestedResolution = domain.ResolutionManual
	}
	return info, nil
}

// SuggestResolution re-evaluates the suggested strategy for an existing
// conflict, e.g. after severity rules changed.
func (c *Classifier) SuggestResolution(info *domain.ConflictInfo) domain.ResolutionType {
	return c.suggest(info)
}

func (c *Classifier) validate(local, remote *domain.DocumentVersion) error {
	if local == nil || remote == nil {
		return &ClassificationError{Reason: "missing document version"}
	}
	if local.DocID == "" || remote.DocID == "" {
		return &ClassificationError{DocID: local.DocID + remote.DocID, Reason: "missing document id"}
	}
	if local.DocID != remote.DocID {
		return &ClassificationError{DocID: local.DocID, Reason: "revision pair spans two documents"}
	}
	if domain.RevGeneration(local.Rev) == 0 || domain.RevGeneration(remote.Rev) == 0 {
		return &ClassificationError{DocID: local.DocID, Reason: "unreadable revision token"}
	}
	return nil
}

func (c *Classifier) computeSeverity(differences []domain.FieldDifference) domain.Severity {
	highest := domain.SeverityLow
	for _, d := range differences {
		sev, ok := c.severity[d.Path.Root()]
		if !ok {
			continue
		}
		if sev == domain.SeverityCritical {
			return domain.SeverityCritical
		}
		if sev.Rank() > highest.Rank() {
			highest = sev
		}
	}
	return highest
}

func (c *Classifier) conflictType(local, remote *domain.DocumentVersion, differences []domain.FieldDifference, deletion bool) domain.ConflictType {
	if c.verifyChecksums && (checksumBroken(local) || checksumBroken(remote)) {
		return domain.ConflictTypeChecksumMismatch
	}
	if deletion {
		return domain.ConflictTypeEditDelete
	}
	if allResolvable(differences) {
		return domain.ConflictTypeMergeable
	}
	lg, rg := domain.RevGeneration(local.Rev), domain.RevGeneration(remote.Rev)
	if lg-rg > 1 || rg-lg > 1 {
		return domain.ConflictTypeRevisionMismatch
	}
	return domain.ConflictTypeBothEdited
}

func (c *Classifier) suggest(info *domain.ConflictInfo) domain.ResolutionType {
	switch info.Type {
	case domain.ConflictTypeEditDelete, domain.ConflictTypeChecksumMismatch:
		return domain.ResolutionManual
	}
	if allResolvable(info.Differences) {
		return domain.ResolutionMerge
	}
	if info.Severity != domain.SeverityCritical && timestampsUnambiguous(info.Local, info.Remote) {
		return domain.ResolutionLastWriteWins
	}
	return domain.ResolutionManual
}

func checksumBroken(v *domain.DocumentVersion) bool {
	if v.Checksum == "" {
		return false
	}
	return checksum.Sum(v.Data) != v.Checksum
}

func timestampsUnambiguous(local, remote *domain.DocumentVersion) bool {
	if local.UpdatedAt.IsZero() || remote.UpdatedAt.IsZero() {
		return false
	}
	return !local.UpdatedAt.Equal(remote.UpdatedAt)
}

func allResolvable(differences []domain.FieldDifference) bool {
	for _, d := range differences {
		if !d.AutoResolvable {
			return false
		}
	}
	return true
}

func fieldPaths(differences []domain.FieldDifference) []string {
	paths := make([]string, len(differences))
	for i, d := range differences {
		paths[i] = d.Path.String()
	}
	return paths
}
