package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/store"
	"taskdeck-conflict-engine/pkg/checksum"
)

// Params carries strategy-specific input: field selections for the
// manual strategy. The other strategies need none.
type Params struct {
	Selections map[string]domain.FieldSelection
}

// Suggester re-evaluates the recommended strategy for a conflict; the
// classifier implements it.
type Suggester interface {
	SuggestResolution(info *domain.ConflictInfo) domain.ResolutionType
}

type Config struct {
	Origin          string
	TieBreak        TieBreak
	VerifyChecksums bool
	WriteTimeout    time.Duration
}

// Coordinator dispatches conflicts to resolution strategies and drives
// the store writes that make a resolution stick. It owns the custom
// resolver registry; the pure strategy functions never see it directly.
type Coordinator struct {
	store     store.Store
	suggester Suggester
	revs      RevisionSource
	cfg       Config
	logger    *zap.Logger

	mu        sync.RWMutex
	resolvers map[string]FieldResolver
}

func NewCoordinator(st store.Store, suggester Suggester, revs RevisionSource, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakLocal
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Coordinator{
		store:     st,
		suggester: suggester,
		revs:      revs,
		cfg:       cfg,
		logger:    logger,
		resolvers: make(map[string]FieldResolver),
	}
}

// RegisterResolver installs a custom resolver for one field path, used
// by the custom strategy.
func (c *Coordinator) RegisterResolver(path string, resolver FieldResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers[path] = resolver
}

// Resolve runs one strategy over a classified conflict. The result
// document carries a fresh revision token, the engine's origin id and a
// recomputed checksum; nothing is written to the store yet.
func (c *Coordinator) Resolve(conflict *domain.ConflictInfo, strategy domain.ResolutionType, params *Params) (*domain.ResolutionResult, error) {
	if conflict == nil || conflict.Local == nil || conflict.Remote == nil {
		return nil, &ResolutionError{Reason: "conflict is missing its document versions"}
	}

	if c.cfg.VerifyChecksums && mergesContent(strategy) {
		if err := c.verifyInputs(conflict); err != nil {
			return nil, err
		}
	}

	var result *domain.ResolutionResult
	switch strategy {
	case domain.ResolutionLocal:
		result = resolveLocal(conflict, c.revs)
	case domain.ResolutionRemote:
		result = resolveRemote(conflict, c.revs)
	case domain.ResolutionLastWriteWins:
		result = resolveLastWriteWins(conflict, c.cfg.TieBreak, c.revs)
	case domain.ResolutionMerge:
		result = resolveMerge(conflict, c.revs)
	case domain.ResolutionManual:
		var selections map[string]domain.FieldSelection
		if params != nil {
			selections = params.Selections
		}
		manual, err := resolveManual(conflict, selections, c.revs)
		if err != nil {
			return nil, err
		}
		result = manual
	case domain.ResolutionCustom:
		result = resolveCustom(conflict, c.snapshotResolvers(), c.revs)
	default:
		return nil, &ResolutionError{
			ConflictID: conflict.ID,
			Reason:     fmt.Sprintf("unknown resolution strategy %q", strategy),
		}
	}

	result.Document.UpdatedBy = c.cfg.Origin
	result.Document.Checksum = checksum.Sum(result.Document.Data)
	return result, nil
}

// ApplyResolution writes the merged document and removes the superseded
// losing revisions. Revisions already gone are fine; any other store
// failure is propagated and the conflict must stay pending.
func (c *Coordinator) ApplyResolution(ctx context.Context, result *domain.ResolutionResult, losingRevs []string) error {
	if result == nil || result.Document == nil {
		return &ResolutionError{Reason: "nothing to apply"}
	}
	if !result.Success {
		return &ResolutionError{
			ConflictID: result.ConflictID,
			Reason:     "cannot apply a partial resolution",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	if err := c.store.Put(ctx, result.Document); err != nil {
		return fmt.Errorf("failed to write resolved document %q: %w", result.Document.DocID, err)
	}

	for _, rev := range losingRevs {
		if err := c.store.Remove(ctx, result.Document.DocID, rev); err != nil {
			if errors.Is(err, store.ErrRevisionGone) {
				continue
			}
			return fmt.Errorf("failed to remove superseded revision %q: %w", rev, err)
		}
	}

	c.logger.Info("resolution applied",
		zap.String("doc_id", result.Document.DocID),
		zap.String("rev", result.Document.Rev),
		zap.String("strategy", string(result.Type)),
		zap.Int("revisions_removed", len(losingRevs)),
	)
	return nil
}

// SuggestResolution mirrors the classifier's suggestion for callers
// that want to re-evaluate after partial information changed.
func (c *Coordinator) SuggestResolution(conflict *domain.ConflictInfo) domain.ResolutionType {
	return c.suggester.SuggestResolution(conflict)
}

func (c *Coordinator) verifyInputs(conflict *domain.ConflictInfo) error {
	for _, v := range []*domain.DocumentVersion{conflict.Local, conflict.Remote} {
		if !checksum.Verify(v.Data, v.Checksum) {
			return &ChecksumMismatchError{DocID: v.DocID, Rev: v.Rev}
		}
	}
	return nil
}

func (c *Coordinator) snapshotResolvers() map[string]FieldResolver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]FieldResolver, len(c.resolvers))
	for k, v := range c.resolvers {
		out[k] = v
	}
	return out
}

// mergesContent reports whether a strategy combines both inputs, which
// is when input integrity matters. Pick-one and manual strategies are
// exempt so a human can still dig a document out of a bad state.
func mergesContent(strategy domain.ResolutionType) bool {
	switch strategy {
	case domain.ResolutionMerge, domain.ResolutionCustom, domain.ResolutionLastWriteWins:
		return true
	}
	return false
}
