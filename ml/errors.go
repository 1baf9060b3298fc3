package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrUntrained is returned by every operation on a pipeline that was
	// never trained or loaded.
	ErrUntrained = errors.New("ml: model not trained")

	ErrArtifactVersion = errors.New("ml: incompatible artifact version")
	ErrArtifactCorrupt = errors.New("ml: corrupt artifact")
)

// LoadError reports why a persisted pipeline could not be restored. No
// partially initialized pipeline accompanies it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("ml: load pipeline %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
