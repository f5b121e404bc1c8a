package filestore

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested store or document does not exist.
var ErrNotFound = errors.New("not found")

// ResolutionError wraps a provisioning or persistence failure while
// resolving an agent's retrieval store. Without a store handle the primary
// generative call cannot attach retrieval grounding, so callers see this
// as a request-level failure.
type ResolutionError struct {
	AgentID string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving store for agent %q: %v", e.AgentID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
