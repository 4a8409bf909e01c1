package campaign

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a campaign does not exist.
var ErrNotFound = errors.New("campaign not found")

// ErrStoreUnavailable wraps persistence failures. The engine never retries
// these internally; the caller or scheduler decides.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrVariantsLocked is returned when variants are modified after sends have
// been populated for the campaign.
var ErrVariantsLocked = errors.New("variants are immutable once sends exist")

// ErrBadVariantSplit is returned when variant percentages do not sum to 100.
var ErrBadVariantSplit = errors.New("variant percentages must sum to 100")

// ErrPopulateLocked is returned when population is requested after the
// campaign has started sending.
var ErrPopulateLocked = errors.New("sends can only be populated before the campaign starts")

// InvalidTransitionError is returned for an operator action requesting a
// lifecycle transition the graph does not permit. The campaign is unchanged.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid campaign transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
