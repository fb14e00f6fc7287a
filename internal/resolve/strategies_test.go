package resolve

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck-conflict-engine/internal/diff"
	"taskdeck-conflict-engine/internal/domain"
)

func makeConflict(localData, remoteData map[string]any, opts ...diff.Option) *domain.ConflictInfo {
	differences := diff.Diff(localData, remoteData, opts...)
	paths := make([]string, len(differences))
	for i, d := range differences {
		paths[i] = d.Path.String()
	}
	return &domain.ConflictInfo{
		ID:                "conflict-1",
		DocID:             "task:1",
		Local:             &domain.DocumentVersion{DocID: "task:1", Rev: "3-aaa", Data: localData},
		Remote:            &domain.DocumentVersion{DocID: "task:1", Rev: "4-bbb", Data: remoteData},
		Differences:       differences,
		ConflictingFields: paths,
		DetectedAt:        time.Now(),
	}
}

func TestNextRevision(t *testing.T) {
	src := NewRandSource(42)

	rev := NextRevision("3-aaa", "5-bbb", src)
	assert.True(t, strings.HasPrefix(rev, "6-"), "rev=%s", rev)

	// Distinct disambiguators on every call.
	assert.NotEqual(t, rev, NextRevision("3-aaa", "5-bbb", src))
}

func TestSeededRevisionSourceIsReproducible(t *testing.T) {
	a := NewRandSource(7)
	b := NewRandSource(7)

	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Disambiguator(), b.Disambiguator())
	}
}

func TestResolveLocalKeepsLocalBody(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low"},
		map[string]any{"priority": "high"},
	)

	result := resolveLocal(c, NewRandSource(1))
	require.True(t, result.Success)
	assert.Equal(t, map[string]any{"priority": "low"}, result.Document.Data)
	assert.Equal(t, domain.ResolutionLocal, result.Type)
	assert.Equal(t, c.ConflictingFields, result.FieldsResolved)
	assert.True(t, strings.HasPrefix(result.Document.Rev, "5-"))
}

func TestResolveRemoteKeepsRemoteBody(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low"},
		map[string]any{"priority": "high"},
	)

	result := resolveRemote(c, NewRandSource(1))
	require.True(t, result.Success)
	assert.Equal(t, map[string]any{"priority": "high"}, result.Document.Data)
	assert.Equal(t, domain.ResolutionRemote, result.Type)
}

func TestLastWriteWinsTotalOrdering(t *testing.T) {
	earlier := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	later := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		localAt   time.Time
		remoteAt  time.Time
		tieBreak  TieBreak
		wantLocal bool
	}{
		{"local newer", later, earlier, TieBreakLocal, true},
		{"remote newer", earlier, later, TieBreakLocal, false},
		{"tie favors local", later, later, TieBreakLocal, true},
		{"tie break configurable", later, later, TieBreakRemote, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := makeConflict(
				map[string]any{"priority": "low"},
				map[string]any{"priority": "high"},
			)
			c.Local.UpdatedAt = tt.localAt
			c.Remote.UpdatedAt = tt.remoteAt

			result := resolveLastWriteWins(c, tt.tieBreak, NewRandSource(1))
			require.True(t, result.Success)
			if tt.wantLocal {
				assert.Equal(t, "low", result.Document.Data["priority"])
			} else {
				assert.Equal(t, "high", result.Document.Data["priority"])
			}
		})
	}
}

func TestLastWriteWinsFallsBackToGeneration(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low"},
		map[string]any{"priority": "high"},
	)
	// No timestamps at all: remote carries generation 4 vs local 3.
	result := resolveLastWriteWins(c, TieBreakLocal, NewRandSource(1))
	require.True(t, result.Success)
	assert.Equal(t, "high", result.Document.Data["priority"])
}

func TestMergePrimitiveArrays(t *testing.T) {
	c := makeConflict(
		map[string]any{"tags": []any{"a", "b"}},
		map[string]any{"tags": []any{"a", "c"}},
	)

	result := resolveMerge(c, NewRandSource(1))
	require.True(t, result.Success)
	assert.Equal(t, []any{"a", "b", "c"}, result.Document.Data["tags"])
	assert.Equal(t, []string{"tags"}, result.FieldsResolved)
}

func TestMergeAppendOnlyString(t *testing.T) {
	c := makeConflict(
		map[string]any{"desc": "Hello"},
		map[string]any{"desc": "Hello world"},
	)

	result := resolveMerge(c, NewRandSource(1))
	require.True(t, result.Success)
	assert.Equal(t, "Hello world", result.Document.Data["desc"])
}

func TestMergeIdentifiedArrayAddition(t *testing.T) {
	c := makeConflict(
		map[string]any{"subtasks": []any{
			map[string]any{"id": "1", "done": true},
		}},
		map[string]any{"subtasks": []any{
			map[string]any{"id": "1", "done": true},
			map[string]any{"id": "2", "done": false},
		}},
	)

	result := resolveMerge(c, NewRandSource(1))
	require.True(t, result.Success)

	subtasks := result.Document.Data["subtasks"].([]any)
	require.Len(t, subtasks, 2)
	assert.Equal(t, map[string]any{"id": "2", "done": false}, subtasks[1])
}

func TestMergePartialReportsManualFields(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low", "tags": []any{"a"}},
		map[string]any{"priority": "high", "tags": []any{"b"}},
	)

	result := resolveMerge(c, NewRandSource(1))
	assert.False(t, result.Success)
	assert.Contains(t, result.Notes, "1 fields require manual resolution")
	assert.Contains(t, result.Notes, "priority")
	assert.Equal(t, []string{"tags"}, result.FieldsResolved)
	// The mergeable part is still applied.
	assert.Equal(t, []any{"a", "b"}, result.Document.Data["tags"])
	assert.Equal(t, "low", result.Document.Data["priority"])
}

func TestMergeCommutativeOnNonOverlappingFields(t *testing.T) {
	base := map[string]any{"a": 1.0, "b": 2.0}
	left := map[string]any{"a": 9.0, "b": 2.0}
	right := map[string]any{"a": 1.0, "b": 7.0}

	forward := resolveMerge(makeConflict(left, right, diff.WithBase(base)), NewRandSource(1))
	backward := resolveMerge(makeConflict(right, left, diff.WithBase(base)), NewRandSource(1))

	require.True(t, forward.Success)
	require.True(t, backward.Success)
	assert.Equal(t, map[string]any{"a": 9.0, "b": 7.0}, forward.Document.Data)
	assert.Equal(t, forward.Document.Data, backward.Document.Data)
}

func TestMergeAppliesDeletion(t *testing.T) {
	base := map[string]any{"title": "x", "archived": true}
	c := makeConflict(
		map[string]any{"title": "x"},
		map[string]any{"title": "x", "archived": true},
		diff.WithBase(base),
	)

	result := resolveMerge(c, NewRandSource(1))
	require.True(t, result.Success)
	_, ok := result.Document.Data["archived"]
	assert.False(t, ok)
}

func TestMergeIsIdempotent(t *testing.T) {
	c := makeConflict(
		map[string]any{"tags": []any{"a", "b"}, "desc": "Hello"},
		map[string]any{"tags": []any{"a", "c"}, "desc": "Hello!"},
	)

	first := resolveMerge(c, NewRandSource(1))
	second := resolveMerge(c, NewRandSource(2))

	require.True(t, first.Success)
	assert.Equal(t, first.Document.Data, second.Document.Data)
	assert.NotEqual(t, first.Document.Rev, second.Document.Rev)
}

func TestManualAppliesSelections(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low", "notes": "mine", "status": "open"},
		map[string]any{"priority": "high", "notes": "theirs", "status": "done"},
	)

	result, err := resolveManual(c, map[string]domain.FieldSelection{
		"priority": {Choice: domain.SelectRemote},
		"notes":    {Choice: domain.SelectLocal},
		"status":   {Choice: domain.SelectValue, Value: "blocked"},
	}, NewRandSource(1))
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "high", result.Document.Data["priority"])
	assert.Equal(t, "mine", result.Document.Data["notes"])
	assert.Equal(t, "blocked", result.Document.Data["status"])
	assert.ElementsMatch(t, []string{"priority", "notes", "status"}, result.FieldsResolved)
}

func TestManualSelectRemoteDistinguishesNullFromAbsent(t *testing.T) {
	// Remote carries an explicit null: taking the remote side writes
	// the null instead of deleting the field.
	withNull := makeConflict(
		map[string]any{"notes": "mine"},
		map[string]any{"notes": nil},
	)
	result, err := resolveManual(withNull, map[string]domain.FieldSelection{
		"notes": {Choice: domain.SelectRemote},
	}, NewRandSource(1))
	require.NoError(t, err)

	v, ok := result.Document.Data["notes"]
	require.True(t, ok)
	assert.Nil(t, v)

	// Remote lacks the field entirely: taking the remote side deletes.
	withAbsent := makeConflict(
		map[string]any{"title": "x", "notes": "mine"},
		map[string]any{"title": "x"},
	)
	result, err = resolveManual(withAbsent, map[string]domain.FieldSelection{
		"notes": {Choice: domain.SelectRemote},
	}, NewRandSource(1))
	require.NoError(t, err)

	_, ok = result.Document.Data["notes"]
	assert.False(t, ok)
}

func TestManualRejectsIncompleteSelections(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low", "notes": "mine"},
		map[string]any{"priority": "high", "notes": "theirs"},
	)

	_, err := resolveManual(c, map[string]domain.FieldSelection{
		"priority": {Choice: domain.SelectRemote},
	}, NewRandSource(1))
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, resErr.Reason, "notes")
}

func TestCustomResolvesRegisteredSubset(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low", "notes": "mine"},
		map[string]any{"priority": "high", "notes": "theirs"},
	)
	c.Local.UpdatedBy = "laptop"
	c.Remote.UpdatedBy = "phone"

	var seen ResolverContext
	resolvers := map[string]FieldResolver{
		"priority": FieldResolverFunc(func(local, remote any, ctx ResolverContext) (any, error) {
			seen = ctx
			return "medium", nil
		}),
	}

	result := resolveCustom(c, resolvers, NewRandSource(1))
	assert.False(t, result.Success)
	assert.Equal(t, []string{"priority"}, result.FieldsResolved)
	assert.Contains(t, result.Notes, "notes")

	// Unresolved fields keep the local value.
	assert.Equal(t, "mine", result.Document.Data["notes"])
	assert.Equal(t, "medium", result.Document.Data["priority"])

	assert.Equal(t, "task:1", seen.DocID)
	assert.Equal(t, "priority", seen.Path)
	assert.Equal(t, "laptop", seen.LocalOrigin)
	assert.Equal(t, "phone", seen.RemoteOrigin)
}

func TestCustomResolverErrorLeavesFieldUnresolved(t *testing.T) {
	c := makeConflict(
		map[string]any{"priority": "low"},
		map[string]any{"priority": "high"},
	)

	resolvers := map[string]FieldResolver{
		"priority": FieldResolverFunc(func(local, remote any, ctx ResolverContext) (any, error) {
			return nil, errors.New("resolver exploded")
		}),
	}

	result := resolveCustom(c, resolvers, NewRandSource(1))
	assert.False(t, result.Success)
	assert.Empty(t, result.FieldsResolved)
	assert.Equal(t, "low", result.Document.Data["priority"])
}
