// Package errors provides structured error types for the contract sandbox.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Execution failures are deliberately opaque: a fixed, human
// readable reason is returned to the caller and engine diagnostics are logged
// instead, because error text must never influence deterministic replay.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLink, errors.KindLinkage).
//		Import("env", "prints").
//		Detail("signature mismatch").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Linkage("env", "foo", "unresolvable")
//	err := errors.CheckTime()
//
// Sentinels such as ErrCheckTime and ErrAccessViolation match any error of the
// same Kind through errors.Is.
package errors
