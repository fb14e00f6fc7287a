package resolve

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"

	"taskdeck-conflict-engine/internal/domain"
)

// RevisionSource produces the opaque suffix appended to generated
// revision tokens. Injected so tests can seed it and replay exact
// tokens.
type RevisionSource interface {
	Disambiguator() string
}

type randSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandSource returns a seeded RevisionSource. Two replicas resolving
// the same conflict independently will generate distinct suffixes and
// converge through a later phantom conflict instead of colliding.
func NewRandSource(seed int64) RevisionSource {
	return &randSource{r: rand.New(rand.NewSource(seed))}
}

func (s *randSource) Disambiguator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 16)
	s.r.Read(buf)
	return hex.EncodeToString(buf)
}

// NextRevision derives the token for a resolved document: one past the
// higher input generation, plus a fresh disambiguator.
func NextRevision(local, remote string, src RevisionSource) string {
	gen := domain.RevGeneration(local)
	if rg := domain.RevGeneration(remote); rg > gen {
		gen = rg
	}
	return fmt.Sprintf("%d-%s", gen+1, src.Disambiguator())
}
