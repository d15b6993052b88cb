package ruleengine

import "fmt"

// ValidationError reports a structurally invalid workflow discovered before
// any process chain is emitted (spec §4.1 "Edge cases").
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workflow validation: %s", e.Reason)
	}
	return fmt.Sprintf("workflow validation: %s: %s", e.Path, e.Reason)
}

func validationErr(path, reason string, args ...interface{}) *ValidationError {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(reason, args...)}
}
