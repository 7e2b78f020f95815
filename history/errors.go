package history

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized   = errors.New("history store not initialized")
	ErrDuplicatePointID = errors.New("duplicate quadrature point id")
	ErrMaterialMismatch = errors.New("material id outside material table")

	// Protocol violations: the continuum and fine-scale sides disagree
	// about the point universe
	ErrUnknownPointID  = errors.New("unknown quadrature point id")
	ErrMissingUpdate   = errors.New("no result for pending update")
	ErrCountMismatch   = errors.New("result count differs from request count")
	ErrDuplicateResult = errors.New("more than one result for a point")
)

// ProtocolError carries the point and rank a protocol violation was
// detected on. Kind is one of the protocol sentinels.
type ProtocolError struct {
	Kind   error
	ID     uint64
	Rank   int
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("rank %d: point %d: %v", e.Rank, e.ID, e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Kind }

// IsProtocolViolation reports whether err is any protocol violation
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrUnknownPointID) || errors.Is(err, ErrMissingUpdate) ||
		errors.Is(err, ErrCountMismatch) || errors.Is(err, ErrDuplicateResult)
}
