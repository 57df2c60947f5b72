package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownActionType indicates an action type outside the closed set.
	ErrUnknownActionType = errors.New("workflow: unknown action type")
	// ErrUnknownFunction indicates a custom_function key with no table entry.
	ErrUnknownFunction = errors.New("workflow: unknown custom function")
	// ErrRuleNotFound indicates a registry operation on a missing rule id.
	ErrRuleNotFound = errors.New("workflow: rule not found")
)

// GatewayError tags a failure from one of the consumed gateways so
// callers can tell automation-side failures from engine bugs.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
