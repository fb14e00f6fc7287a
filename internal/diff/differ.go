package diff

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/fieldpath"
)

// Removed is the resolved value for a field that one replica deleted
// while the other left it unchanged from the common ancestor. The merge
// strategy deletes the field instead of writing this sentinel.
var Removed = &struct{ name string }{"removed"}

const defaultSeparator = " | "

type options struct {
	maxDifferences int
	base           map[string]any
	separator      string
	critical       map[string]bool
}

type Option func(*options)

// WithMaxDifferences bounds the walk; the differ stops recording once
// the bound is hit. Used by the detection pipeline for fast triage.
func WithMaxDifferences(n int) Option {
	return func(o *options) { o.maxDifferences = n }
}

// WithBase supplies the common-ancestor body when the store still has
// it. With a base the differ can tell a one-sided edit from a genuine
// both-sides edit and resolve it automatically.
func WithBase(base map[string]any) Option {
	return func(o *options) { o.base = base }
}

// WithSeparator overrides the string joined between diverged suffixes
// on an append-collision merge.
func WithSeparator(sep string) Option {
	return func(o *options) { o.separator = sep }
}

// WithCriticalFields names the root fields ordered first in the result,
// ahead of the path-lexicographic remainder.
func WithCriticalFields(names []string) Option {
	return func(o *options) {
		o.critical = make(map[string]bool, len(names))
		for _, n := range names {
			o.critical[n] = true
		}
	}
}

// Diff compares two document bodies field by field and returns every
// divergence, ordered critical-first then path-lexicographic. Pure and
// deterministic: identical inputs always yield identical output.
func Diff(local, remote map[string]any, opts ...Option) []domain.FieldDifference {
	o := options{separator: defaultSeparator}
	for _, opt := range opts {
		opt(&o)
	}

	w := &walker{opts: o}
	w.diffMaps(nil, local, remote, o.base)

	sort.SliceStable(w.out, func(i, j int) bool {
		pi, pj := w.out[i].Path, w.out[j].Path
		ci, cj := o.critical[pi.Root()], o.critical[pj.Root()]
		if ci != cj {
			return ci
		}
		return pi.String() < pj.String()
	})
	return w.out
}

type walker struct {
	opts options
	out  []domain.FieldDifference
}

func (w *walker) full() bool {
	return w.opts.maxDifferences > 0 && len(w.out) >= w.opts.maxDifferences
}

func (w *walker) record(d domain.FieldDifference) {
	if w.full() {
		return
	}
	w.out = append(w.out, d)
}

func (w *walker) diffMaps(path fieldpath.Path, local, remote, base map[string]any) {
	keys := unionKeys(local, remote)
	for _, key := range keys {
		if w.full() {
			return
		}
		lv, lok := local[key]
		rv, rok := remote[key]
		var bv any
		var bok bool
		if base != nil {
			bv, bok = base[key]
		}
		w.diffValue(path.Child(fieldpath.Key(key)), lv, lok, rv, rok, bv, bok)
	}
}

func (w *walker) diffValue(path fieldpath.Path, lv any, lok bool, rv any, rok bool, bv any, bok bool) {
	switch {
	case !lok && !rok:
		return

	case lok != rok:
		w.diffOneSided(path, lv, lok, rv, bv, bok)
		return
	}

	if reflect.DeepEqual(lv, rv) {
		return
	}

	lm, lIsMap := lv.(map[string]any)
	rm, rIsMap := rv.(map[string]any)
	if lIsMap && rIsMap {
		bm, _ := bv.(map[string]any)
		w.diffMaps(path, lm, rm, bm)
		return
	}
	if lIsMap || rIsMap {
		w.record(domain.FieldDifference{
			Path: path, LocalValue: lv, RemoteValue: rv,
			Kind: domain.DiffNestedObject,
		})
		return
	}

	la, lIsArr := lv.([]any)
	ra, rIsArr := rv.([]any)
	if lIsArr && rIsArr {
		ba, _ := bv.([]any)
		w.diffArrays(path, la, ra, ba)
		return
	}

	ls, lIsStr := lv.(string)
	rs, rIsStr := rv.(string)
	if lIsStr && rIsStr {
		w.diffStrings(path, ls, rs, bv, bok)
		return
	}

	w.diffScalar(path, lv, rv, bv, bok)
}

// diffOneSided handles a field present on only one side. Without a base
// the union wins and the present value is adopted; with a base the
// missing side is recognized as either an addition (base absent) or a
// deletion of an untouched field (base equal), which also resolves.
func (w *walker) diffOneSided(path fieldpath.Path, lv any, lok bool, rv any, bv any, bok bool) {
	present := rv
	if lok {
		present = lv
	}
	d := domain.FieldDifference{
		Path: path, LocalValue: lv, RemoteValue: rv,
		LocalMissing: !lok, RemoteMissing: lok,
		Kind: domain.DiffOneSided, AutoResolvable: true, ResolvedValue: present,
	}
	if bok && reflect.DeepEqual(present, bv) {
		// The present side never touched it; the other side deleted it.
		d.ResolvedValue = Removed
	}
	w.record(d)
}

func (w *walker) diffScalar(path fieldpath.Path, lv, rv any, bv any, bok bool) {
	d := domain.FieldDifference{
		Path: path, LocalValue: lv, RemoteValue: rv,
		Kind: domain.DiffBothChanged,
	}
	if bok {
		if reflect.DeepEqual(lv, bv) {
			d.Kind = domain.DiffUnchangedFromOrigin
			d.AutoResolvable = true
			d.ResolvedValue = rv
		} else if reflect.DeepEqual(rv, bv) {
			d.Kind = domain.DiffUnchangedFromOrigin
			d.AutoResolvable = true
			d.ResolvedValue = lv
		}
	}
	w.record(d)
}

// diffStrings applies the append-only heuristics: a strict prefix keeps
// the longer string; a shared non-empty prefix with distinct suffixes
// concatenates both suffixes and is flagged as a collision.
func (w *walker) diffStrings(path fieldpath.Path, ls, rs string, bv any, bok bool) {
	if bok {
		if bs, ok := bv.(string); ok && (ls == bs || rs == bs) {
			w.diffScalar(path, ls, rs, bv, bok)
			return
		}
	}

	d := domain.FieldDifference{
		Path: path, LocalValue: ls, RemoteValue: rs,
	}
	switch {
	case strings.HasPrefix(rs, ls):
		d.Kind = domain.DiffString
		d.AutoResolvable = true
		d.ResolvedValue = rs
	case strings.HasPrefix(ls, rs):
		d.Kind = domain.DiffString
		d.AutoResolvable = true
		d.ResolvedValue = ls
	default:
		prefix := commonPrefix(ls, rs)
		if prefix == "" {
			d.Kind = domain.DiffBothChanged
			break
		}
		d.Kind = domain.DiffStringCollision
		d.AutoResolvable = true
		d.ResolvedValue = prefix + ls[len(prefix):] + w.opts.separator + rs[len(prefix):]
	}
	w.record(d)
}

// diffArrays dispatches on element shape: arrays of identified objects
// merge by id, primitive arrays merge as sets, anything else needs a
// human.
func (w *walker) diffArrays(path fieldpath.Path, la, ra, ba []any) {
	switch {
	case allIdentified(la) && allIdentified(ra):
		w.diffIdentifiedArrays(path, la, ra, ba)

	case allPrimitive(la) && allPrimitive(ra):
		w.record(domain.FieldDifference{
			Path: path, LocalValue: la, RemoteValue: ra,
			Kind:           domain.DiffArray,
			AutoResolvable: true,
			ResolvedValue:  unionPrimitives(la, ra),
		})

	default:
		w.record(domain.FieldDifference{
			Path: path, LocalValue: la, RemoteValue: ra,
			Kind: domain.DiffArray,
		})
	}
}

// diffIdentifiedArrays pairs elements by id: shared ids recurse into a
// nested diff, one-sided ids become resolvable additions at the element
// path.
func (w *walker) diffIdentifiedArrays(path fieldpath.Path, la, ra, ba []any) {
	lIdx := indexByID(la)
	rIdx := indexByID(ra)
	bIdx := indexByID(ba)

	for _, id := range orderedIDs(la, ra) {
		if w.full() {
			return
		}
		le, lok := lIdx[id]
		re, rok := rIdx[id]
		elemPath := path.Child(fieldpath.Elem(id))

		if lok && rok {
			var bm map[string]any
			if be, ok := bIdx[id]; ok {
				bm, _ = be.(map[string]any)
			}
			w.diffMaps(elemPath, le.(map[string]any), re.(map[string]any), bm)
			continue
		}

		present := re
		if lok {
			present = le
		}
		d := domain.FieldDifference{
			Path: elemPath, LocalValue: le, RemoteValue: re,
			LocalMissing: !lok, RemoteMissing: !rok,
			Kind: domain.DiffArray, AutoResolvable: true, ResolvedValue: present,
		}
		if be, ok := bIdx[id]; ok && reflect.DeepEqual(present, be) {
			d.ResolvedValue = Removed
		}
		w.record(d)
	}
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func allIdentified(arr []any) bool {
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := m["id"]; !ok {
			return false
		}
	}
	return true
}

func allPrimitive(arr []any) bool {
	for _, e := range arr {
		switch e.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func unionPrimitives(la, ra []any) []any {
	seen := make(map[any]bool, len(la)+len(ra))
	out := make([]any, 0, len(la)+len(ra))
	for _, arr := range [][]any{la, ra} {
		for _, e := range arr {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

func indexByID(arr []any) map[string]any {
	idx := make(map[string]any, len(arr))
	for _, e := range arr {
		idx[elemKey(e)] = e
	}
	return idx
}

func orderedIDs(la, ra []any) []string {
	seen := make(map[string]bool, len(la)+len(ra))
	ids := make([]string, 0, len(la)+len(ra))
	for _, arr := range [][]any{la, ra} {
		for _, e := range arr {
			id := elemKey(e)
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func elemKey(e any) string {
	m, _ := e.(map[string]any)
	return fmt.Sprint(m["id"])
}
