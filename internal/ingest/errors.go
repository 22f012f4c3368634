package ingest

import "fmt"

// LoadError reports a failed load. The session table is left unchanged and
// the load is not retried: the cause lies in the data or the plan.
type LoadError struct {
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed during %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
