package resolve

import "fmt"

// ResolutionError is a strategy-specific failure, e.g. a manual
// resolution invoked with an incomplete selection map. The conflict
// stays pending when one is returned.
type ResolutionError struct {
	ConflictID string
	Reason     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve conflict %q: %s", e.ConflictID, e.Reason)
}

// ChecksumMismatchError means an input revision failed its declared
// integrity check. Treated like a ResolutionError: automatic strategies
// are refused and the conflict is forced to manual.
type ChecksumMismatchError struct {
	DocID string
	Rev   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch on document %q revision %q", e.DocID, e.Rev)
}
