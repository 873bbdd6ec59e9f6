package rollback

import (
	"errors"
	"fmt"
)

// ErrNotConfigured means the repository has no usable integration, so
// a rollback cannot even be attempted. Distinct from ErrNoHistory so
// callers can tell "set it up first" apart from "nothing to return to".
var ErrNotConfigured = errors.New("repository is not configured for deployment")

// ErrNoHistory means there is no verified deployment to return to.
var ErrNoHistory = errors.New("no successful deployment found")

// ErrStale means the chosen target is older than the freshness window
// and too risky to redeploy automatically.
var ErrStale = errors.New("rollback target is older than the freshness window")

// InsufficientHistoryError means the requested number of steps back
// exceeds the history that exists.
type InsufficientHistoryError struct {
	Requested int
	Available int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("cannot roll back %d steps, only %d earlier deployments exist", e.Requested, e.Available)
}
