package domain

import (
	"strconv"
	"strings"
	"time"
)

// DocumentVersion is one immutable snapshot of a replicated document:
// the body, its revision token and the sync metadata the engine needs
// to classify and merge.
type DocumentVersion struct {
	DocID     string         `json:"doc_id"`
	Rev       string         `json:"rev"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// RevGeneration extracts the generation number from a CouchDB-style
// revision token ("42-a1b2c3"). Returns 0 for malformed tokens.
func RevGeneration(rev string) int64 {
	idx := strings.Index(rev, "-")
	if idx <= 0 {
		return 0
	}
	gen, err := strconv.ParseInt(rev[:idx], 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

// CloneData deep-copies a document body so strategies can build merged
// documents without mutating their inputs.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
