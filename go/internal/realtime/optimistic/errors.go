package optimistic

import (
	"errors"
	"fmt"

	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
)

// MutationKind classifies a rejected mutation
type MutationKind int

const (
	KindValidation MutationKind = iota + 1
	// KindConflict: the expected version no longer matched on the server
	KindConflict
	KindForbidden
	KindNetwork
)

func (k MutationKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindNetwork:
		return "network"
	default:
		return fmt.Sprintf("mutation_kind(%d)", int(k))
	}
}

// MutationError is returned to the caller of every failed mutation, after
// its optimistic value was rolled back
type MutationError struct {
	Kind   MutationKind
	Topic  protocol.Topic
	Action Action
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s on %s rejected (%s): %v", e.Action, e.Topic, e.Kind, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a MutationError of kind
func IsKind(err error, kind MutationKind) bool {
	var merr *MutationError
	return errors.As(err, &merr) && merr.Kind == kind
}

// asMutationError normalizes a submitter failure. Errors the submitter did
// not classify are treated as network failures.
func asMutationError(m Mutation, err error) *MutationError {
	var merr *MutationError
	if errors.As(err, &merr) {
		out := *merr
		out.Topic = m.Topic
		out.Action = m.Action
		return &out
	}
	return &MutationError{Kind: KindNetwork, Topic: m.Topic, Action: m.Action, Err: err}
}
