package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskdeck-conflict-engine/internal/classify"
	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/resolve"
	"taskdeck-conflict-engine/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	winners   map[string]*domain.DocumentVersion
	revisions map[string]*domain.DocumentVersion
	conflicts map[string][]string

	puts     []*domain.DocumentVersion
	removed  []string
	getCalls int
	putErr   error

	feed chan store.Change
}

func newMemStore() *memStore {
	return &memStore{
		winners:   make(map[string]*domain.DocumentVersion),
		revisions: make(map[string]*domain.DocumentVersion),
		conflicts: make(map[string][]string),
		feed:      make(chan store.Change, 16),
	}
}

func (m *memStore) seed(winner *domain.DocumentVersion, losers ...*domain.DocumentVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.winners[winner.DocID] = winner
	m.revisions[winner.DocID+"@"+winner.Rev] = winner
	for _, l := range losers {
		m.revisions[l.DocID+"@"+l.Rev] = l
		m.conflicts[l.DocID] = append(m.conflicts[l.DocID], l.Rev)
	}
}

func (m *memStore) Get(ctx context.Context, docID string) (*domain.DocumentVersion, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	winner, ok := m.winners[docID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	return winner, append([]string(nil), m.conflicts[docID]...), nil
}

func (m *memStore) GetRev(ctx context.Context, docID, rev string) (*domain.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.revisions[docID+"@"+rev]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Put(ctx context.Context, version *domain.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.winners[version.DocID] = version
	m.revisions[version.DocID+"@"+version.Rev] = version
	m.puts = append(m.puts, version)
	return nil
}

func (m *memStore) Remove(ctx context.Context, docID, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	revs := m.conflicts[docID]
	for i, r := range revs {
		if r == rev {
			m.conflicts[docID] = append(revs[:i], revs[i+1:]...)
			break
		}
	}
	m.removed = append(m.removed, rev)
	return nil
}

func (m *memStore) Changes(ctx context.Context) (<-chan store.Change, error) {
	return m.feed, nil
}

func (m *memStore) snapshot() (puts []*domain.DocumentVersion, removed []string, getCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.DocumentVersion(nil), m.puts...),
		append([]string(nil), m.removed...),
		m.getCalls
}

func (m *memStore) setPutErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func startTestPipeline(t *testing.T, st *memStore, configure ...func(*Pipeline)) *Pipeline {
	t.Helper()

	classifier := classify.New(classify.Config{Origin: "engine"})
	coordinator := resolve.NewCoordinator(st, classifier, resolve.NewRandSource(1), resolve.Config{Origin: "engine"}, zap.NewNop())
	p := NewPipeline(st, store.NewVersionCache(32), classifier, coordinator, nil, Config{
		DebounceInterval: 20 * time.Millisecond,
		Workers:          2,
	}, zap.NewNop())
	for _, fn := range configure {
		fn(p)
	}

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		close(st.feed)
		p.Stop()
	})
	return p
}

func doc(docID, rev string, data map[string]any) *domain.DocumentVersion {
	return &domain.DocumentVersion{DocID: docID, Rev: rev, Data: data}
}

func TestPipelineDebouncesChangeBursts(t *testing.T) {
	st := newMemStore()
	st.seed(doc("task:1", "2-aaa", map[string]any{"title": "x"}))

	startTestPipeline(t, st)

	for i := 0; i < 5; i++ {
		st.feed <- store.Change{DocID: "task:1", Rev: "2-aaa", HasConflicts: true}
	}

	require.Eventually(t, func() bool {
		_, _, calls := st.snapshot()
		return calls >= 1
	}, time.Second, 5*time.Millisecond)

	// The burst coalesces into a single classification pass.
	time.Sleep(100 * time.Millisecond)
	_, _, calls := st.snapshot()
	assert.Equal(t, 1, calls)
}

func TestPipelineAutoResolvesMergeableConflict(t *testing.T) {
	st := newMemStore()
	st.seed(
		doc("task:1", "2-aaa", map[string]any{"tags": []any{"a", "b"}}),
		doc("task:1", "2-bbb", map[string]any{"tags": []any{"a", "c"}}),
	)

	var resolvedMu sync.Mutex
	var resolved []*domain.ResolutionResult
	p := startTestPipeline(t, st, func(p *Pipeline) {
		p.OnResolved(func(r *domain.ResolutionResult) {
			resolvedMu.Lock()
			resolved = append(resolved, r)
			resolvedMu.Unlock()
		})
	})

	st.feed <- store.Change{DocID: "task:1", Rev: "2-aaa", HasConflicts: true}

	require.Eventually(t, func() bool {
		puts, _, _ := st.snapshot()
		return len(puts) == 1
	}, time.Second, 5*time.Millisecond)

	puts, removed, _ := st.snapshot()
	assert.Equal(t, []any{"a", "b", "c"}, puts[0].Data["tags"])
	assert.Equal(t, "engine", puts[0].UpdatedBy)
	assert.Equal(t, []string{"2-bbb"}, removed)
	assert.Empty(t, p.Pending())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TotalDetected)
	assert.Equal(t, int64(1), stats.AutoResolved)
	assert.Equal(t, int64(1), stats.ByType[domain.ConflictTypeMergeable])

	resolvedMu.Lock()
	defer resolvedMu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, domain.ResolutionMerge, resolved[0].Type)
}

func TestPipelineParksManualConflicts(t *testing.T) {
	st := newMemStore()
	st.seed(
		doc("task:1", "3-aaa", map[string]any{"priority": "low"}),
		doc("task:1", "3-bbb", map[string]any{"priority": "high"}),
	)

	detected := make(chan *domain.ConflictInfo, 1)
	p := startTestPipeline(t, st, func(p *Pipeline) {
		p.OnConflict(func(info *domain.ConflictInfo) {
			detected <- info
		})
	})

	st.feed <- store.Change{DocID: "task:1", Rev: "3-aaa", HasConflicts: true}

	var info *domain.ConflictInfo
	select {
	case info = <-detected:
	case <-time.After(time.Second):
		t.Fatal("conflict was never parked")
	}

	assert.Equal(t, "task:1", info.DocID)
	assert.False(t, info.AutoResolvable)

	pending := p.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, info.ID, pending[0].ID)

	got, ok := p.PendingByID(info.ID)
	require.True(t, ok)
	assert.Equal(t, info, got)

	puts, _, _ := st.snapshot()
	assert.Empty(t, puts)
}

func TestPipelineManualResolutionClearsPending(t *testing.T) {
	st := newMemStore()
	st.seed(
		doc("task:1", "3-aaa", map[string]any{"priority": "low"}),
		doc("task:1", "3-bbb", map[string]any{"priority": "high"}),
	)

	p := startTestPipeline(t, st)

	st.feed <- store.Change{DocID: "task:1", Rev: "3-aaa", HasConflicts: true}
	require.Eventually(t, func() bool {
		return len(p.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	conflictID := p.Pending()[0].ID

	result, err := p.ResolveManually(context.Background(), conflictID, map[string]domain.FieldSelection{
		"priority": {Choice: domain.SelectRemote},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "high", result.Document.Data["priority"])
	assert.Empty(t, p.Pending())

	puts, removed, _ := st.snapshot()
	require.Len(t, puts, 1)
	assert.Equal(t, []string{"3-bbb"}, removed)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.ManuallyResolved)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestManualResolutionWaitsForRunningPass(t *testing.T) {
	st := newMemStore()
	st.seed(
		doc("task:1", "3-aaa", map[string]any{"priority": "low"}),
		doc("task:1", "3-bbb", map[string]any{"priority": "high"}),
	)

	p := startTestPipeline(t, st)

	st.feed <- store.Change{DocID: "task:1", Rev: "3-aaa", HasConflicts: true}
	require.Eventually(t, func() bool {
		return len(p.Pending()) == 1
	}, time.Second, 5*time.Millisecond)
	conflictID := p.Pending()[0].ID

	// Let the detection pass fully release the document slot first.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.inFlight["task:1"]
	}, time.Second, 5*time.Millisecond)

	// Claim the slot as a classification pass would.
	p.mu.Lock()
	p.inFlight["task:1"] = true
	p.mu.Unlock()

	type outcome struct {
		result *domain.ResolutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := p.ResolveManually(context.Background(), conflictID, map[string]domain.FieldSelection{
			"priority": {Choice: domain.SelectRemote},
		})
		done <- outcome{result, err}
	}()

	select {
	case <-done:
		t.Fatal("manual resolution ran while a pass held the document")
	case <-time.After(50 * time.Millisecond):
	}

	puts, _, _ := st.snapshot()
	assert.Empty(t, puts)

	p.finish("task:1")

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.True(t, out.result.Success)
	case <-time.After(time.Second):
		t.Fatal("manual resolution never completed")
	}
	assert.Empty(t, p.Pending())
}

func TestPipelineManualResolutionUnknownConflict(t *testing.T) {
	st := newMemStore()
	p := startTestPipeline(t, st)

	_, err := p.ResolveManually(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestPipelineSuppressesPhantomConflicts(t *testing.T) {
	st := newMemStore()
	st.seed(
		doc("task:1", "3-aaa", map[string]any{"title": "Buy milk"}),
		doc("task:1", "3-bbb", map[string]any{"title": "Buy milk"}),
	)

	p := startTestPipeline(t, st)

	st.feed <- store.Change{DocID: "task:1", Rev: "3-aaa", HasConflicts: true}

	require.Eventually(t, func() bool {
		_, removed, _ := st.snapshot()
		return len(removed) == 1
	}, time.Second, 5*time.Millisecond)

	_, removed, _ := st.snapshot()
	assert.Equal(t, []string{"3-bbb"}, removed)
	assert.Empty(t, p.Pending())

	// Identical content is not a conflict at all.
	stats := p.Stats()
	assert.Equal(t, int64(0), stats.TotalDetected)
}

func TestPipelineFailedAutoResolutionAwaitsManual(t *testing.T) {
	st := newMemStore()
	st.seed(
		doc("task:1", "2-aaa", map[string]any{"tags": []any{"a", "b"}}),
		doc("task:1", "2-bbb", map[string]any{"tags": []any{"a", "c"}}),
	)
	st.setPutErr(errors.New("db unavailable"))

	p := startTestPipeline(t, st)

	st.feed <- store.Change{DocID: "task:1", Rev: "2-aaa", HasConflicts: true}

	require.Eventually(t, func() bool {
		return len(p.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	conflictID := p.Pending()[0].ID

	// Once the store recovers, a retry re-runs the suggested strategy.
	st.setPutErr(nil)

	result, err := p.Retry(context.Background(), conflictID)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, domain.ResolutionMerge, result.Type)
	assert.Equal(t, []any{"a", "b", "c"}, result.Document.Data["tags"])
	assert.Empty(t, p.Pending())
}

func TestPipelineSkipsDeletedAndCleanChanges(t *testing.T) {
	st := newMemStore()
	st.seed(doc("task:1", "2-aaa", map[string]any{"title": "x"}))

	startTestPipeline(t, st)

	st.feed <- store.Change{DocID: "task:1", Rev: "2-aaa", HasConflicts: false}
	st.feed <- store.Change{DocID: "task:1", Rev: "2-aaa", HasConflicts: true, Deleted: true}

	time.Sleep(100 * time.Millisecond)
	_, _, calls := st.snapshot()
	assert.Equal(t, 0, calls)
}
