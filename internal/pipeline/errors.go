package pipeline

import "fmt"

// ConfigurationError reports a run that cannot start: a missing input
// file, an absent query column or an unusable structure definition.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// RowError wraps a failure while augmenting a single row. Row errors are
// recorded in the output and never abort the run.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}
