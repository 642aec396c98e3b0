package coordinator

import "fmt"

// BackendUnavailableError means the requested backend mode has no nodes
// configured or its load driver could not be built. The run aborts before
// any load starts.
type BackendUnavailableError struct {
	Mode string
	// Err is the driver construction failure, nil when no node is configured.
	Err error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend unavailable for mode %q: %v", e.Mode, e.Err)
	}
	return fmt.Sprintf("backend unavailable: no nodes configured for mode %q", e.Mode)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// RunExistsError refuses to reuse a run id whose directory already exists,
// so earlier artifacts are never overwritten.
type RunExistsError struct {
	RunID string
	Dir   string
}

func (e *RunExistsError) Error() string {
	return fmt.Sprintf("run %s already exists at %s; choose another run id", e.RunID, e.Dir)
}

// PartialRunError reports a run that stopped before its last phase. The
// metrics collected up to that point are flushed and analyzable.
type PartialRunError struct {
	RunID string
	// Phase is the 1-based phase that was executing.
	Phase int
	Err   error
}

func (e *PartialRunError) Error() string {
	return fmt.Sprintf("run %s aborted during phase %d: %v", e.RunID, e.Phase, e.Err)
}

func (e *PartialRunError) Unwrap() error {
	return e.Err
}
