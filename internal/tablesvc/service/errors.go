package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("invalid input")
	ErrNotAdmin       = errors.New("only the table admin can do that")
	ErrNotMember      = errors.New("player is not an active member of this table")
	ErrActionInFlight = errors.New("action already in progress")
	ErrTableEnded     = errors.New("table has ended")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
