package join

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyAssigned is returned when the member already holds the role.
	ErrAlreadyAssigned = errors.New("role already assigned")
	// ErrNotEligible is returned when the role is not one the member may
	// join.
	ErrNotEligible = errors.New("not eligible for role")
	// ErrLocked is returned when the member could join the role only by
	// switching away from an exclusive role, but is locked out of switching.
	ErrLocked = errors.New("locked out of switching roles")

	// ErrForbidden is wrapped by platform errors caused by missing
	// permissions. These need an administrator's attention.
	ErrForbidden = errors.New("forbidden")
	// ErrTransient is wrapped by platform errors that may succeed on retry.
	ErrTransient = errors.New("transient failure")
)

// ExternalError is a failed platform call during a join attempt.
type ExternalError struct {
	// Op is the platform operation that failed: "held", "revoke" or "grant".
	Op string
	// Role is the role the failed operation concerned, if any.
	Role string
	// Revoked is the list of roles that were revoked before the failure.
	Revoked []string
	// Err is the platform error. It wraps ErrForbidden or ErrTransient.
	Err error
}

func (e *ExternalError) Error() string {
	if e.Unresolved() {
		return fmt.Sprintf("role conflict left unresolved: %s %s failed after revoking %v: %v", e.Op, e.Role, e.Revoked, e.Err)
	}
	if e.Role == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Role, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// Unresolved reports whether the failure happened after some conflicting
// role was already revoked, leaving the member with neither the old roles
// nor the new one.
func (e *ExternalError) Unresolved() bool {
	return len(e.Revoked) != 0
}

// Forbidden reports whether the failure was a permissions problem.
func (e *ExternalError) Forbidden() bool {
	return errors.Is(e.Err, ErrForbidden)
}

// platformError wraps err as an ExternalError. Errors that classify as
// neither forbidden nor transient are treated as transient.
func platformError(op, role string, revoked []string, err error) *ExternalError {
	if !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrTransient) {
		err = fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return &ExternalError{Op: op, Role: role, Revoked: revoked, Err: err}
}
