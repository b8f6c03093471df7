package coffin

import (
	"errors"
	"fmt"

	"tractmcmc/pkg/timepoint"
)

var (
	// ErrMappingFailure is returned when the initial path cannot be mapped
	// into every session within the retry budget.
	ErrMappingFailure = errors.New("path mapping failed")

	// ErrNumericalFailure wraps a non-finite likelihood accumulation.
	ErrNumericalFailure = errors.New("numerical failure")

	// ErrConfiguration is returned for invalid parameters or inputs, before
	// the chain starts.
	ErrConfiguration = errors.New("invalid configuration")
)

// NumericalError is the session-level diagnostic of a numerical failure.
type NumericalError = timepoint.NumericalError

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// rejection reasons, used as metric labels and in the run log
const (
	reasonMask        = "mask"
	reasonROI         = "roi"
	reasonZigZag      = "zigzag"
	reasonInterpolate = "interpolate"
	reasonMapping     = "mapping"
	reasonFZero       = "fzero"
	reasonMetropolis  = "metropolis"
)

var rejectionReasons = []string{
	reasonMask, reasonROI, reasonZigZag, reasonInterpolate,
	reasonMapping, reasonFZero, reasonMetropolis,
}
