package model

import "fmt"

// Error kinds surfaced across the tool boundary. Every externally
// visible error carries one of these tags plus a human-readable
// message; internal detail never crosses the boundary.
const (
	KindCollection = "collection_error"
	KindParse      = "parse_error"
	KindTimeout    = "timeout_error"
	KindCancelled  = "cancelled_error"
	KindSubprocess = "subprocess_error"
	KindInvalid    = "invalid_request"
)

// CollectionError reports targets the selector could not enumerate.
// Other valid targets in the same request still resolve.
type CollectionError struct {
	Targets []string
	Message string
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection failed for %d target(s): %s", len(e.Targets), e.Message)
}

// Kind returns the boundary tag for this error.
func (e *CollectionError) Kind() string { return KindCollection }

// SubprocessError reports an engine process that could not be spawned
// or exited with an unexpected code.
type SubprocessError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *SubprocessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine subprocess: %s: %v", e.Message, e.Err)
	}

	return fmt.Sprintf("engine subprocess: %s (exit code %d)", e.Message, e.ExitCode)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// Kind returns the boundary tag for this error.
func (e *SubprocessError) Kind() string { return KindSubprocess }

// Kinder is implemented by every error that may cross the tool
// boundary.
type Kinder interface {
	error
	Kind() string
}
