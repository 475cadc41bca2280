package finetune

import (
	"errors"
	"fmt"
)

var (
	ErrNoParentTask      = errors.New("dataset has no parent task")
	ErrSplitNotFound     = errors.New("split not found in dataset")
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
	ErrTaskRunNotFound   = errors.New("task run not found, it is required by this dataset")

	ErrUnsupportedDataStrategy = errors.New("unsupported data strategy")
)

// IsNotFound reports whether err names a split, format or run that does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSplitNotFound) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrTaskRunNotFound)
}

// MalformedDataError is returned when a run's output cannot be rendered in the
// requested format. It aborts the whole export.
type MalformedDataError struct {
	RunID  string
	reason error
}

func (e *MalformedDataError) Error() string {
	if e.RunID == "" {
		return e.reason.Error()
	}
	return fmt.Sprintf("task run %s: %v", e.RunID, e.reason)
}

func (e *MalformedDataError) Unwrap() error {
	return e.reason
}

func malformed(runID, format string, args ...any) error {
	return &MalformedDataError{RunID: runID, reason: fmt.Errorf(format, args...)}
}

func IsMalformedData(err error) bool {
	var me *MalformedDataError
	return errors.As(err, &me)
}
