package resolve

import (
	"fmt"
	"time"

	"taskdeck-conflict-engine/internal/diff"
	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/fieldpath"
)

// TieBreak selects the winner when last-write-wins timestamps are
// equal. The calling replica's side is the shipped default.
type TieBreak string

const (
	TieBreakLocal  TieBreak = "local"
	TieBreakRemote TieBreak = "remote"
)

// ResolverContext is handed to custom field resolvers alongside the two
// values so domain-specific merges can weigh recency and provenance.
type ResolverContext struct {
	DocID           string
	Path            string
	ConflictType    domain.ConflictType
	Severity        domain.Severity
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	LocalOrigin     string
	RemoteOrigin    string
}

// FieldResolver merges one conflicting field. Implementations are
// registered per field path on the coordinator.
type FieldResolver interface {
	Resolve(local, remote any, ctx ResolverContext) (any, error)
}

// FieldResolverFunc adapts a plain function to FieldResolver.
type FieldResolverFunc func(local, remote any, ctx ResolverContext) (any, error)

func (f FieldResolverFunc) Resolve(local, remote any, ctx ResolverContext) (any, error) {
	return f(local, remote, ctx)
}

func resolveLocal(c *domain.ConflictInfo, revs RevisionSource) *domain.ResolutionResult {
	return pickVersion(c, c.Local, domain.ResolutionLocal, revs)
}

func resolveRemote(c *domain.ConflictInfo, revs RevisionSource) *domain.ResolutionResult {
	return pickVersion(c, c.Remote, domain.ResolutionRemote, revs)
}

// resolveLastWriteWins picks the side with the greater effective
// timestamp. A missing or zero timestamp falls back to the revision
// generation; a full tie goes to the configured side.
func resolveLastWriteWins(c *domain.ConflictInfo, tieBreak TieBreak, revs RevisionSource) *domain.ResolutionResult {
	winner := c.Local
	lt, rt := c.Local.UpdatedAt, c.Remote.UpdatedAt

	switch {
	case !lt.IsZero() && !rt.IsZero() && !lt.Equal(rt):
		if rt.After(lt) {
			winner = c.Remote
		}
	case lt.IsZero() || rt.IsZero():
		if domain.RevGeneration(c.Remote.Rev) > domain.RevGeneration(c.Local.Rev) {
			winner = c.Remote
		} else if domain.RevGeneration(c.Remote.Rev) == domain.RevGeneration(c.Local.Rev) && tieBreak == TieBreakRemote {
			winner = c.Remote
		}
	default:
		if tieBreak == TieBreakRemote {
			winner = c.Remote
		}
	}

	result := pickVersion(c, winner, domain.ResolutionLastWriteWins, revs)
	result.Notes = fmt.Sprintf("last write wins: kept revision %s", winner.Rev)
	return result
}

// resolveMerge applies every auto-resolvable difference on top of the
// local body. Fields the differ could not resolve are reported back via
// success=false; the partially merged document is still returned so a
// manual pass only has to settle the remainder.
func resolveMerge(c *domain.ConflictInfo, revs RevisionSource) *domain.ResolutionResult {
	merged := domain.CloneData(c.Local.Data)
	var resolved []string
	var needsManual []string

	for _, d := range c.Differences {
		if !d.AutoResolvable {
			needsManual = append(needsManual, d.Path.String())
			continue
		}
		if d.ResolvedValue == diff.Removed {
			fieldpath.Delete(merged, d.Path)
		} else if err := fieldpath.Set(merged, d.Path, d.ResolvedValue); err != nil {
			needsManual = append(needsManual, d.Path.String())
			continue
		}
		resolved = append(resolved, d.Path.String())
	}

	result := newResult(c, merged, domain.ResolutionMerge, revs)
	result.FieldsResolved = resolved
	if len(needsManual) > 0 {
		result.Success = false
		result.Notes = fmt.Sprintf("%d fields require manual resolution: %v", len(needsManual), needsManual)
	}
	return result
}

// resolveManual applies caller-supplied selections on top of the local
// body. Every conflicting field must be covered or the strategy fails.
func resolveManual(c *domain.ConflictInfo, selections map[string]domain.FieldSelection, revs RevisionSource) (*domain.ResolutionResult, error) {
	merged := domain.CloneData(c.Local.Data)
	var resolved []string

	for _, d := range c.Differences {
		path := d.Path.String()
		sel, ok := selections[path]
		if !ok {
			return nil, &ResolutionError{
				ConflictID: c.ID,
				Reason:     fmt.Sprintf("no selection supplied for conflicting field %q", path),
			}
		}

		switch sel.Choice {
		case domain.SelectLocal:
			// Base is already the local body.
		case domain.SelectRemote:
			// Absent on the remote side means delete; an explicit null
			// is still a value and gets written.
			if d.RemoteMissing {
				fieldpath.Delete(merged, d.Path)
			} else if err := fieldpath.Set(merged, d.Path, d.RemoteValue); err != nil {
				return nil, &ResolutionError{ConflictID: c.ID, Reason: err.Error()}
			}
		case domain.SelectValue:
			if err := fieldpath.Set(merged, d.Path, sel.Value); err != nil {
				return nil, &ResolutionError{ConflictID: c.ID, Reason: err.Error()}
			}
		default:
			return nil, &ResolutionError{
				ConflictID: c.ID,
				Reason:     fmt.Sprintf("unknown selection choice %q for field %q", sel.Choice, path),
			}
		}
		resolved = append(resolved, path)
	}

	result := newResult(c, merged, domain.ResolutionManual, revs)
	result.FieldsResolved = resolved
	return result, nil
}

// resolveCustom runs the registered resolver for each conflicting
// field. Fields without a resolver, and resolver errors, leave the
// local value in place and are reported as unresolved; the strategy
// itself never hard-fails.
func resolveCustom(c *domain.ConflictInfo, resolvers map[string]FieldResolver, revs RevisionSource) *domain.ResolutionResult {
	merged := domain.CloneData(c.Local.Data)
	var resolved []string
	var unresolved []string

	for _, d := range c.Differences {
		path := d.Path.String()
		resolver, ok := resolvers[path]
		if !ok {
			unresolved = append(unresolved, path)
			continue
		}

		value, err := resolver.Resolve(d.LocalValue, d.RemoteValue, ResolverContext{
			DocID:           c.DocID,
			Path:            path,
			ConflictType:    c.Type,
			Severity:        c.Severity,
			LocalUpdatedAt:  c.Local.UpdatedAt,
			RemoteUpdatedAt: c.Remote.UpdatedAt,
			LocalOrigin:     c.Local.UpdatedBy,
			RemoteOrigin:    c.Remote.UpdatedBy,
		})
		if err != nil {
			unresolved = append(unresolved, path)
			continue
		}
		if err := fieldpath.Set(merged, d.Path, value); err != nil {
			unresolved = append(unresolved, path)
			continue
		}
		resolved = append(resolved, path)
	}

	result := newResult(c, merged, domain.ResolutionCustom, revs)
	result.FieldsResolved = resolved
	if len(unresolved) > 0 {
		result.Success = false
		result.Notes = fmt.Sprintf("%d fields left unresolved (no registered resolver): %v", len(unresolved), unresolved)
	}
	return result
}

func pickVersion(c *domain.ConflictInfo, winner *domain.DocumentVersion, t domain.ResolutionType, revs RevisionSource) *domain.ResolutionResult {
	result := newResult(c, domain.CloneData(winner.Data), t, revs)
	result.Document.Deleted = winner.Deleted
	result.FieldsResolved = append([]string(nil), c.ConflictingFields...)
	return result
}

func newResult(c *domain.ConflictInfo, data map[string]any, t domain.ResolutionType, revs RevisionSource) *domain.ResolutionResult {
	now := time.Now()
	return &domain.ResolutionResult{
		ConflictID: c.ID,
		Success:    true,
		Type:       t,
		ResolvedAt: now,
		Document: &domain.DocumentVersion{
			DocID:     c.DocID,
			Rev:       NextRevision(c.Local.Rev, c.Remote.Rev, revs),
			Data:      data,
			UpdatedAt: now,
		},
	}
}
