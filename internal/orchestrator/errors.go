package orchestrator

import "errors"

// ErrAlreadyRunning is returned by Run when a run is already in
// progress; the mutual-exclusion guard makes the trigger a no-op.
var ErrAlreadyRunning = errors.New("orchestrator: a run is already in progress")
