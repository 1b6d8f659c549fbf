package engine

import "errors"

// Typed failures surfaced to command originators. Validation failures are
// returned synchronously on the command's result and never retried.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInvalidState          = errors.New("invalid state")
	ErrNotFound              = errors.New("not found")
	ErrInvalidCommand        = errors.New("invalid command")
	ErrEngineClosed          = errors.New("engine is shutting down")
	ErrCommandCancelled      = errors.New("command cancelled before application")

	// ErrBundleAtomicity marks an internal invariant breach: a planned bundle
	// leg could not be committed under the single-writer guarantee. The engine
	// rolls the bundle back and halts bundle intake until ResumeBundles.
	ErrBundleAtomicity = errors.New("bundle atomicity violation")

	// ErrBundlesHalted rejects new bundles after an atomicity violation.
	ErrBundlesHalted = errors.New("bundle intake halted pending operator intervention")
)
