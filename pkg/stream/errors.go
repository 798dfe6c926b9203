package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStream is returned for lookups of unregistered stream names.
var ErrUnknownStream = errors.New("unknown stream")

// MissingContextKeyError reports a context key (or parent record field) a
// stream needs but was never supplied. It indicates a wiring defect, not a
// condition worth retrying.
type MissingContextKeyError struct {
	Stream    string
	Key       string
	Source    Source
	Available []string
}

// Error implements the error interface.
func (e *MissingContextKeyError) Error() string {
	return fmt.Sprintf("stream %q: missing %s key %q (available: %s)",
		e.Stream, e.Source, e.Key, strings.Join(e.Available, ", "))
}
