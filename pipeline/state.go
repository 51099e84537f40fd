package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrMailboxDisabled = errors.New("mailbox disabled")
	ErrEmptyMessage    = errors.New("empty message")
)

// State is the lifecycle position of a mailbox run.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateFolderSelected
	StateIterating
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFolderSelected:
		return "folder_selected"
	case StateIterating:
		return "iterating"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fatal stages.
const (
	StageConnect  = "connect"
	StageRegister = "register"
	StageSelect   = "select"
	StageCount    = "count"
	StageIterate  = "iterate"
)

// FatalError aborts a mailbox run. Messages already filed stay filed.
type FatalError struct {
	Mailbox string
	Stage   string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("mailbox %s: %s: %v", e.Mailbox, e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Quarantine explains why a message went to the problem folder.
type Quarantine struct {
	Reason string
	Err    error
}

// Quarantine reasons.
const (
	ReasonFetch       = "fetch"
	ReasonEmpty       = "empty"
	ReasonPanic       = "panic"
	ReasonStore       = "store"
	ReasonUnparseable = "unparseable"
)

func (q *Quarantine) Error() string {
	if q.Err == nil {
		return q.Reason
	}
	return fmt.Sprintf("%s: %v", q.Reason, q.Err)
}

func (q *Quarantine) Unwrap() error { return q.Err }
