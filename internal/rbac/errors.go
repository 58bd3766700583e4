package rbac

import (
	"errors"
	"fmt"
)

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrStoreUnavailable = errors.New("permission store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
)

// DeniedError is returned by the guard for every denial. It always matches
// ErrAccessDenied; when the permission store failed it also matches
// ErrStoreUnavailable through the wrapped cause.
type DeniedError struct {
	UserID   int64
	PageID   int64
	Required Level
	Actual   Level
	Err      error
}

func (e *DeniedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("access denied: user %d page %d requires %s: %v", e.UserID, e.PageID, e.Required, e.Err)
	}
	return fmt.Sprintf("access denied: user %d page %d requires %s, has %s", e.UserID, e.PageID, e.Required, e.Actual)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

func (e *DeniedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StoreFailed reports whether a denial was caused by the store rather than
// by missing grants.
func (e *DeniedError) StoreFailed() bool {
	return errors.Is(e.Err, ErrStoreUnavailable)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
