package loopguard

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrUnsupportedPlatform is returned when activating a rule that requires
	// native function patching on a platform without that capability.
	// Activation fails loudly rather than degrading to a silent no-op.
	ErrUnsupportedPlatform = errors.New("loopguard: native function patching is not supported on this platform")

	// ErrAlreadyRegistered is returned when registering a rule under a
	// qualified name that is already present in the registry.
	ErrAlreadyRegistered = errors.New("loopguard: a rule with this name is already registered")

	// ErrRuleBound is returned when registering a rule that already belongs
	// to another Guard.
	ErrRuleBound = errors.New("loopguard: rule is already bound to another guard")

	// ErrTargetConflict is returned when activating a rule whose target
	// function is already guarded by another active rule.
	ErrTargetConflict = errors.New("loopguard: target function is already guarded")

	// ErrInvalidTarget is returned when a rule target is not a func value or
	// a non-nil pointer to a func variable.
	ErrInvalidTarget = errors.New("loopguard: target must be a func value or a non-nil pointer to a func variable")

	// ErrUnknownRule is returned when referencing a qualified name with no
	// registered rule, for example from a policy file.
	ErrUnknownRule = errors.New("loopguard: no rule with this name is registered")
)

// BlockingError reports a call to a guarded function made while the calling
// goroutine was inside an active dispatch. It is delivered by panic from the
// guarded substitute; the original function is never executed.
type BlockingError struct {
	// Func is the qualified name of the guarded function, as registered.
	Func string
	// Caller identifies the application code that made the call. It is the
	// zero value when no application frame could be resolved.
	Caller CallerIdentity
}

// Error implements the error interface.
func (e *BlockingError) Error() string {
	if e.Caller == (CallerIdentity{}) {
		return fmt.Sprintf("loopguard: blocking call to %s inside a scheduled context", e.Func)
	}
	return fmt.Sprintf("loopguard: blocking call to %s inside a scheduled context (from %s at %s:%d)",
		e.Func, e.Caller.Function, e.Caller.File, e.Caller.Line)
}

// ConfigError represents a configuration mistake: duplicate registration,
// invalid target, target conflict, or platform capability failure.
type ConfigError struct {
	Cause error
	// Name is the qualified name of the rule involved, when known.
	Name string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	cause := "configuration error"
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	if e.Name == "" {
		return cause
	}
	return fmt.Sprintf("%s (rule %q)", cause, e.Name)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
