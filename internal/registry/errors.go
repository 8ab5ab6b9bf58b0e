package registry

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRepairRoundActive is the reason every non-repair start is refused
	// while a preemption round is in progress.
	ErrRepairRoundActive = errors.New("repair round active")
	// ErrRoundInProgress is returned by BeginRound when a round already runs.
	ErrRoundInProgress = errors.New("repair round already in progress")
	// ErrInvalidKey is returned by ParseKey for malformed keys.
	ErrInvalidKey = errors.New("invalid scope key")
)

// RefusedError is the typed refusal returned by Register. Callers must revert
// any optimistic state they applied before starting the task.
type RefusedError struct {
	Key    Key
	Reason error
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("start %s refused: %v", e.Key, e.Reason)
}

func (e *RefusedError) Unwrap() error {
	return e.Reason
}

// IsRefused reports whether err is a registration refusal.
func IsRefused(err error) bool {
	var refused *RefusedError
	return errors.As(err, &refused)
}
