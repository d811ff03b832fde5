package versioning

import (
	"errors"
	"fmt"

	"workshelf/api/internal/mode"
	"workshelf/api/internal/store"
)

var (
	ErrDocumentNotFound       = store.ErrDocumentNotFound
	ErrVersionNotFound        = store.ErrVersionNotFound
	ErrConcurrentModification = store.ErrConcurrentModification

	ErrModeReadOnly      = errors.New("document mode is read-only")
	ErrIllegalTransition = errors.New("mode transition not allowed")
	ErrNoOpTransition    = errors.New("document is already in the requested mode")
	ErrInvalidContent    = errors.New("content must be valid JSON")
)

// ReadOnlyError reports a content write attempted in a non-editable mode.
type ReadOnlyError struct {
	Mode mode.Mode
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrModeReadOnly, e.Mode)
}

func (e *ReadOnlyError) Unwrap() error {
	return ErrModeReadOnly
}

// TransitionError carries the rejected edge. Err is ErrIllegalTransition or
// ErrNoOpTransition.
type TransitionError struct {
	From mode.Mode
	To   mode.Mode
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", e.Err, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

type Class int

const (
	ClassNone Class = iota
	ClassNotFound
	ClassPolicy
	ClassTransient
	ClassInvalid
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotFound:
		return "not_found"
	case ClassPolicy:
		return "policy"
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Classify maps any error returned by Engine onto the failure taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrVersionNotFound):
		return ClassNotFound
	case errors.Is(err, ErrModeReadOnly), errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrNoOpTransition):
		return ClassPolicy
	case errors.Is(err, ErrConcurrentModification):
		return ClassTransient
	case errors.Is(err, ErrInvalidContent), errors.Is(err, mode.ErrUnknownMode):
		return ClassInvalid
	default:
		return ClassInternal
	}
}

// Retryable reports whether re-reading state and reissuing the same request
// can succeed. Only lost compare-and-set races qualify.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
