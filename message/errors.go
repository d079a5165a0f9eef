package message

import "github.com/pkg/errors"

var (
	// ErrInvalidStateTransition is returned when resolving a transaction that already left the pending state.
	ErrInvalidStateTransition = errors.New("message: invalid state transition")
	// ErrAlreadyGrouped is returned when linking a transaction that already belongs to a group.
	ErrAlreadyGrouped = errors.New("message: transaction already belongs to a group")
	// ErrEmptyGroup is returned when linking no transactions at all.
	ErrEmptyGroup = errors.New("message: cannot link an empty group")
)
