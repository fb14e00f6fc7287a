package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskdeck-conflict-engine/internal/classify"
	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/metrics"
	"taskdeck-conflict-engine/internal/resolve"
	"taskdeck-conflict-engine/internal/store"
)

// ErrConflictNotFound means the conflict id is not in the pending set;
// it was never detected, or a resolution already succeeded for it.
var ErrConflictNotFound = errors.New("conflict not found")

type Config struct {
	DebounceInterval time.Duration
	Workers          int
}

type pendingConflict struct {
	info       *domain.ConflictInfo
	losingRevs []string
}

// Pipeline consumes the store change feed and drives conflicts through
// classification and resolution. Per-document debounce timers coalesce
// bursty notifications, and in-flight tracking serializes work per
// document id so two resolutions never race on the same document.
type Pipeline struct {
	store       store.Store
	cache       *store.VersionCache
	classifier  *classify.Classifier
	coordinator *resolve.Coordinator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         Config

	mu       sync.Mutex
	cond     *sync.Cond
	timers   map[string]*time.Timer
	inFlight map[string]bool
	requeued map[string]bool
	pending  map[string]*pendingConflict
	stats    domain.ConflictStats

	onConflict []func(*domain.ConflictInfo)
	onResolved []func(*domain.ResolutionResult)

	work   chan string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPipeline(
	st store.Store,
	cache *store.VersionCache,
	classifier *classify.Classifier,
	coordinator *resolve.Coordinator,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	p := &Pipeline{
		store:       st,
		cache:       cache,
		classifier:  classifier,
		coordinator: coordinator,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		timers:      make(map[string]*time.Timer),
		inFlight:    make(map[string]bool),
		requeued:    make(map[string]bool),
		pending:     make(map[string]*pendingConflict),
		stats: domain.ConflictStats{
			ByType:     make(map[domain.ConflictType]int64),
			BySeverity: make(map[domain.Severity]int64),
		},
		work:   make(chan string, 256),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// OnConflict registers a listener for newly detected conflicts that
// need manual attention. Register before Start.
func (p *Pipeline) OnConflict(fn func(*domain.ConflictInfo)) {
	p.onConflict = append(p.onConflict, fn)
}

// OnResolved registers a listener for every successful resolution,
// automatic or manual. Register before Start.
func (p *Pipeline) OnResolved(fn func(*domain.ResolutionResult)) {
	p.onResolved = append(p.onResolved, fn)
}

// RegisterCustomResolver installs a per-field resolver used by the
// custom strategy.
func (p *Pipeline) RegisterCustomResolver(path string, resolver resolve.FieldResolver) {
	p.coordinator.RegisterResolver(path, resolver)
}

// Start subscribes to the change feed and launches the worker pool. It
// returns once the subscription is live.
func (p *Pipeline) Start(ctx context.Context) error {
	changes, err := p.store.Changes(ctx)
	if err != nil {
		return fmt.Errorf("failed to start detection pipeline: %w", err)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for change := range changes {
			if !change.HasConflicts || change.Deleted {
				continue
			}
			p.schedule(change.DocID)
		}
	}()
	return nil
}

// Stop drains the debounce timers and stops the workers. Pending
// conflicts stay pending; they are re-detected from the change feed on
// the next start.
func (p *Pipeline) Stop() {
	close(p.stopCh)

	p.mu.Lock()
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// schedule (re)arms the per-document debounce timer, coalescing a burst
// of change notifications into one classification pass.
func (p *Pipeline) schedule(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timer, ok := p.timers[docID]; ok {
		timer.Reset(p.cfg.DebounceInterval)
		return
	}
	p.timers[docID] = time.AfterFunc(p.cfg.DebounceInterval, func() {
		p.enqueue(docID)
	})
}

func (p *Pipeline) enqueue(docID string) {
	p.mu.Lock()
	delete(p.timers, docID)
	if p.inFlight[docID] {
		// A pass is running for this document; run another when it ends.
		p.requeued[docID] = true
		p.mu.Unlock()
		return
	}
	p.inFlight[docID] = true
	p.mu.Unlock()

	select {
	case p.work <- docID:
	case <-p.stopCh:
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case docID := <-p.work:
			p.process(ctx, docID)
			p.finish(docID)
		case <-p.stopCh:
			return
		}
	}
}

// finish releases the per-document slot and wakes any manual resolution
// waiting for it.
func (p *Pipeline) finish(docID string) {
	p.mu.Lock()
	delete(p.inFlight, docID)
	again := p.requeued[docID]
	delete(p.requeued, docID)
	p.cond.Broadcast()
	p.mu.Unlock()

	if again {
		p.enqueue(docID)
	}
}

// acquire claims the per-document slot for a parked conflict, waiting
// out any classification pass already running on the same document.
// Manual resolutions go through the same serialization as the workers;
// two resolutions must never write the same document concurrently.
func (p *Pipeline) acquire(conflictID string) (*pendingConflict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		parked, ok := p.pending[conflictID]
		if !ok {
			return nil, ErrConflictNotFound
		}
		if !p.inFlight[parked.info.DocID] {
			p.inFlight[parked.info.DocID] = true
			return parked, nil
		}
		p.cond.Wait()
	}
}

// process runs one classification pass over a document: the winning
// revision against each conflicting leaf in turn. N-ary conflicts
// decompose into successive pairwise resolutions; each auto-resolution
// feeds its merged document into the next pair.
func (p *Pipeline) process(ctx context.Context, docID string) {
	local, conflictRevs, err := p.store.Get(ctx, docID)
	if err != nil {
		p.logger.Warn("failed to load document for classification",
			zap.String("doc_id", docID), zap.Error(err))
		return
	}
	if len(conflictRevs) == 0 {
		return
	}
	p.cache.Put(local)

	for _, rev := range conflictRevs {
		remote, err := p.loadRevision(ctx, docID, rev)
		if err != nil {
			p.logger.Warn("failed to load conflicting revision",
				zap.String("doc_id", docID), zap.String("rev", rev), zap.Error(err))
			continue
		}

		merged := p.classifyPair(ctx, local, remote, rev)
		if merged != nil {
			local = merged
		}
	}
}

// classifyPair handles one local/remote pair and returns the merged
// document when an auto-resolution succeeded, nil otherwise.
func (p *Pipeline) classifyPair(ctx context.Context, local, remote *domain.DocumentVersion, losingRev string) *domain.DocumentVersion {
	started := time.Now()

	info, err := p.classifier.Classify(local, remote, nil)
	if err != nil {
		var cerr *classify.ClassificationError
		if errors.As(err, &cerr) {
			p.logger.Warn("skipping unclassifiable document", zap.Error(err))
			return nil
		}
		p.logger.Error("classification failed",
			zap.String("doc_id", local.DocID), zap.Error(err))
		return nil
	}

	if info == nil {
		// Phantom conflict: identical content under divergent revision
		// tokens. Drop the losing leaf so the replicas converge.
		if err := p.store.Remove(ctx, local.DocID, losingRev); err != nil && !errors.Is(err, store.ErrRevisionGone) {
			p.logger.Warn("failed to drop phantom revision",
				zap.String("doc_id", local.DocID), zap.String("rev", losingRev), zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.PhantomsSuppressed.Inc()
		}
		return nil
	}

	p.recordDetected(info)

	if !info.AutoResolvable {
		p.park(info, losingRev)
		return nil
	}

	result, err := p.coordinator.Resolve(info, info.SuggestedResolution, nil)
	if err == nil && result.Success {
		err = p.coordinator.ApplyResolution(ctx, result, []string{losingRev})
	}
	if err != nil || !result.Success {
		// Never drop a conflict on a failed auto-resolution; hand it to
		// the manual queue instead.
		if err != nil {
			p.logger.Warn("auto-resolution failed, awaiting manual",
				zap.String("doc_id", info.DocID), zap.String("conflict_id", info.ID), zap.Error(err))
		}
		p.park(info, losingRev)
		return nil
	}

	p.recordResolved(result, true, started)
	return result.Document
}

func (p *Pipeline) loadRevision(ctx context.Context, docID, rev string) (*domain.DocumentVersion, error) {
	if version, ok := p.cache.Get(docID, rev); ok {
		return version, nil
	}
	version, err := p.store.GetRev(ctx, docID, rev)
	if err != nil {
		return nil, err
	}
	p.cache.Put(version)
	return version, nil
}

// ResolveManually applies UI-collected field selections to a pending
// conflict.
func (p *Pipeline) ResolveManually(ctx context.Context, conflictID string, selections map[string]domain.FieldSelection) (*domain.ResolutionResult, error) {
	return p.ResolvePending(ctx, conflictID, domain.ResolutionManual, &resolve.Params{Selections: selections})
}

// ResolvePending runs a caller-chosen strategy over a parked conflict.
// The conflict leaves the pending set only after a fully successful,
// applied resolution.
func (p *Pipeline) ResolvePending(ctx context.Context, conflictID string, strategy domain.ResolutionType, params *resolve.Params) (*domain.ResolutionResult, error) {
	parked, err := p.acquire(conflictID)
	if err != nil {
		return nil, err
	}
	defer p.finish(parked.info.DocID)

	started := time.Now()
	result, err := p.coordinator.Resolve(parked.info, strategy, params)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, nil
	}

	if err := p.coordinator.ApplyResolution(ctx, result, parked.losingRevs); err != nil {
		return nil, err
	}

	p.mu.Lock()
	delete(p.pending, conflictID)
	p.stats.Pending = int64(len(p.pending))
	p.mu.Unlock()

	p.recordResolved(result, false, started)
	return result, nil
}

// Retry re-runs the suggested strategy for a parked conflict, e.g.
// after a transient store failure pushed it to the manual queue.
func (p *Pipeline) Retry(ctx context.Context, conflictID string) (*domain.ResolutionResult, error) {
	p.mu.Lock()
	parked, ok := p.pending[conflictID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrConflictNotFound
	}
	return p.ResolvePending(ctx, conflictID, p.coordinator.SuggestResolution(parked.info), nil)
}

// Pending returns the conflicts awaiting manual resolution, oldest
// first.
func (p *Pipeline) Pending() []*domain.ConflictInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*domain.ConflictInfo, 0, len(p.pending))
	for _, parked := range p.pending {
		out = append(out, parked.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

func (p *Pipeline) PendingByID(conflictID string) (*domain.ConflictInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	parked, ok := p.pending[conflictID]
	if !ok {
		return nil, false
	}
	return parked.info, true
}

// Stats returns a snapshot of the aggregate counters.
func (p *Pipeline) Stats() domain.ConflictStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.stats
	snapshot.ByType = make(map[domain.ConflictType]int64, len(p.stats.ByType))
	for k, v := range p.stats.ByType {
		snapshot.ByType[k] = v
	}
	snapshot.BySeverity = make(map[domain.Severity]int64, len(p.stats.BySeverity))
	for k, v := range p.stats.BySeverity {
		snapshot.BySeverity[k] = v
	}
	return snapshot
}

func (p *Pipeline) park(info *domain.ConflictInfo, losingRev string) {
	p.mu.Lock()
	if parked, ok := p.pending[info.ID]; ok {
		parked.losingRevs = append(parked.losingRevs, losingRev)
		p.mu.Unlock()
		return
	}
	p.pending[info.ID] = &pendingConflict{info: info, losingRevs: []string{losingRev}}
	pendingCount := len(p.pending)
	p.stats.Pending = int64(pendingCount)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PendingConflicts.Set(float64(pendingCount))
	}
	for _, fn := range p.onConflict {
		fn(info)
	}
}

func (p *Pipeline) recordDetected(info *domain.ConflictInfo) {
	p.mu.Lock()
	p.stats.TotalDetected++
	p.stats.ByType[info.Type]++
	p.stats.BySeverity[info.Severity]++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ConflictsDetected.WithLabelValues(string(info.Type), string(info.Severity)).Inc()
	}
}

func (p *Pipeline) recordResolved(result *domain.ResolutionResult, auto bool, started time.Time) {
	mode := "manual"
	p.mu.Lock()
	if auto {
		mode = "auto"
		p.stats.AutoResolved++
	} else {
		p.stats.ManuallyResolved++
	}
	pending := len(p.pending)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ConflictsResolved.WithLabelValues(string(result.Type), mode).Inc()
		p.metrics.PendingConflicts.Set(float64(pending))
		p.metrics.ResolutionDuration.Observe(time.Since(started).Seconds())
	}
	for _, fn := range p.onResolved {
		fn(result)
	}
}
