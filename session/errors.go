package session

import "errors"

// Process exit codes for conditions no retry can fix
const (
	ExitFailure          = 1
	ExitBrowserMissing   = 3
	ExitConverterMissing = 4
)

// FatalError is an environment problem that must stop the process
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps err as fatal with the given exit code
func NewFatalError(code int, err error) error {
	return &FatalError{Code: code, Err: err}
}

// AsFatal returns the FatalError in err's chain, if any
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
