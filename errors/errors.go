package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseValidate Phase = "validate" // static bytecode validation
	PhaseLink     Phase = "link"     // import resolution
	PhaseCompile  Phase = "compile"  // OC compilation
	PhaseExecute  Phase = "execute"  // contract execution
	PhaseIPC      Phase = "ipc"      // compiler process transport
	PhaseCache    Phase = "cache"    // OC cache file
	PhaseHost     Phase = "host"     // host function registry
	PhaseConfig   Phase = "config"   // configuration
)

// Kind categorizes the error
type Kind string

const (
	KindLinkage         Kind = "linkage"
	KindInvalidData     Kind = "invalid_data"
	KindInvalidInput    Kind = "invalid_input"
	KindCompileFailure  Kind = "compile_failure"
	KindCacheFull       Kind = "cache_full"
	KindCheckTime       Kind = "checktime"
	KindAccessViolation Kind = "access_violation"
	KindExecution       Kind = "execution"
	KindAssertion       Kind = "assertion"
	KindTransport       Kind = "transport"
	KindNotFound        Kind = "not_found"
	KindNotInitialized  Kind = "not_initialized"
	KindRegistration    Kind = "registration"
)

// Error is the structured error type used throughout the sandbox
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Export string
	Code   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Module != "" || e.Export != "" {
		b.WriteString(" at ")
		b.WriteString(e.Module)
		b.WriteByte('.')
		b.WriteString(e.Export)
	}

	if e.Code != "" {
		b.WriteString(" (code ")
		b.WriteString(e.Code)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Kinds must be equal; a target
// with an empty Phase matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Sentinels for errors.Is. They match any phase.
var (
	ErrLinkage         = &Error{Kind: KindLinkage}
	ErrInvalidData     = &Error{Kind: KindInvalidData}
	ErrCheckTime       = &Error{Kind: KindCheckTime}
	ErrAccessViolation = &Error{Kind: KindAccessViolation}
	ErrExecution       = &Error{Kind: KindExecution}
	ErrAssertion       = &Error{Kind: KindAssertion}
	ErrCompileUnknown  = &Error{Kind: KindCompileFailure}
	ErrCacheTooFull    = &Error{Kind: KindCacheFull}
	ErrTransport       = &Error{Kind: KindTransport}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

// IsExecution reports whether err belongs to the opaque execution error
// category surfaced to the transaction processor.
func IsExecution(err error) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindExecution, KindAccessViolation, KindAssertion:
		return true
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Import sets the module and export an import error refers to
func (b *Builder) Import(module, export string) *Builder {
	b.err.Module = module
	b.err.Export = export
	return b
}

// Code sets the code identity the error refers to
func (b *Builder) Code(code string) *Builder {
	b.err.Code = code
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Linkage creates an error for an import that cannot be bound
func Linkage(module, export, detail string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindLinkage,
		Module: module,
		Export: export,
		Detail: detail,
	}
}

// Validation creates a structural validation error
func Validation(detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// DisallowedImport creates a validation error for an import outside the whitelist
func DisallowedImport(module, export, detail string) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindLinkage,
		Module: module,
		Export: export,
		Detail: detail,
	}
}

// CheckTime creates the deadline failure returned when the watchdog fires
func CheckTime() *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindCheckTime,
		Detail: "transaction took too long",
	}
}

// AccessViolation creates the execution error for memory faults
func AccessViolation() *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindAccessViolation,
		Detail: "access violation",
	}
}

// Execution creates an opaque execution error with a fixed reason
func Execution(reason string) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindExecution,
		Detail: reason,
	}
}

// Assertion creates the error raised by a failed contract assertion. The
// message comes from the contract itself.
func Assertion(msg string) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindAssertion,
		Detail: "assertion failure with message: " + msg,
	}
}

// CompileFailure creates an OC compilation failure
func CompileFailure(code string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCompileFailure,
		Code:   code,
		Detail: "compilation failed",
		Cause:  cause,
	}
}

// CacheTooFull creates the error returned when no space can be reclaimed
func CacheTooFull(code string) *Error {
	return &Error{
		Phase:  PhaseCache,
		Kind:   KindCacheFull,
		Code:   code,
		Detail: "code cache is full",
	}
}

// Transport creates an IPC transport error
func Transport(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseIPC,
		Kind:   KindTransport,
		Detail: detail,
		Cause:  cause,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// Registration creates a host function registration error
func Registration(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register env.%s", name),
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// UnresolvedImport is a single import that could not be bound
type UnresolvedImport struct {
	Module string
	Export string
}

// UnresolvedImportsError is returned when instantiation fails because some
// imports have no host function.
type UnresolvedImportsError struct {
	Imports []UnresolvedImport
}

// NewUnresolvedImportsError creates an error from a list of "module.export" keys
func NewUnresolvedImportsError(imports []string) *UnresolvedImportsError {
	result := &UnresolvedImportsError{
		Imports: make([]UnresolvedImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, exp := parseImportKey(imp)
		result.Imports = append(result.Imports, UnresolvedImport{Module: mod, Export: exp})
	}
	return result
}

func parseImportKey(key string) (module, export string) {
	mod, exp, found := strings.Cut(key, ".")
	if found {
		return mod, exp
	}
	return key, ""
}

func (e *UnresolvedImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] linkage: no imports specified"
	}

	var b strings.Builder
	b.WriteString("[link] linkage: ")
	for i, imp := range e.Imports {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(imp.Module)
		b.WriteByte('.')
		b.WriteString(imp.Export)
	}
	b.WriteString(" unresolvable")
	return b.String()
}

// Is reports whether target matches this error type. It also matches
// ErrLinkage so callers can test the category without knowing the type.
func (e *UnresolvedImportsError) Is(target error) bool {
	if _, ok := target.(*UnresolvedImportsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Kind == KindLinkage && (t.Phase == "" || t.Phase == PhaseLink)
	}
	return false
}
