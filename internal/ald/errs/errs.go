// Package errs names the error kinds of spec §7, each with a distinct
// disposition: how the caller that sees one is expected to react. Plain
// fmt.Errorf wrapping is used everywhere else. A caller can tell the kinds
// apart with errors.As; the command dispatcher does not, and records every
// handler error as status=error with the error's message.
package errs

import "fmt"

// ConfigError signals a startup configuration problem. The caller should
// exit non-zero; it is never retried or surfaced to a command row.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}

// ValidationError signals a rejected operator input (bounds violation,
// unknown parameter id). It never affects machine state.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Msg)
}

// TransportError wraps a PLC or DB transport failure after retries are
// exhausted (or immediately, for connection-lost conditions).
type TransportError struct {
	Target string // "plc" or "db"
	Op     string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error during %s: %v", e.Target, e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// StateConflict signals an invalid state transition or a reference to a
// process that no longer exists. The dispatcher should refuse the command
// rather than mark it failed as if the handler itself misbehaved.
type StateConflict struct {
	From string
	To   string
	Msg  string
}

func (e *StateConflict) Error() string {
	if e.From == "" && e.To == "" {
		return fmt.Sprintf("state conflict: %s", e.Msg)
	}
	return fmt.Sprintf("invalid state transition %s -> %s: %s", e.From, e.To, e.Msg)
}

// RecipeFault signals a step execution failure mid-recipe. The executor
// aborts, writes status=failed with this message, and returns the machine
// to idle.
type RecipeFault struct {
	StepIndex int
	StepType  string
	Cause     error
}

func (e *RecipeFault) Error() string {
	return fmt.Sprintf("recipe fault at step %d (%s): %v", e.StepIndex, e.StepType, e.Cause)
}

func (e *RecipeFault) Unwrap() error { return e.Cause }

// DataIntegrityFault signals that a dual-mode write failed after partial
// writes AND compensation also failed. Callers log loudly and report
// unhealthy; they never exit the process over this.
type DataIntegrityFault struct {
	TransactionID string
	Msg           string
}

func (e *DataIntegrityFault) Error() string {
	return fmt.Sprintf("data integrity fault (tx=%s): %s", e.TransactionID, e.Msg)
}

// NotFound is returned when a requested entity does not exist.
type NotFound struct {
	Entity string
	Key    string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}
