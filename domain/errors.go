package domain

import "errors"

// ErrNotOwner is returned when a conditional write finds the row owned by
// a different actor.
var ErrNotOwner = errors.New("owned by another actor")
