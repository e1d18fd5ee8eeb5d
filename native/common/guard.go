package common

import (
	"errors"
	"fmt"
)

// ErrEnginePaused is returned by engine entry points while an operator has
// suspended that engine's mutations.
var ErrEnginePaused = errors.New("engine paused")

// PauseRegistry reports which engines currently have mutations suspended.
// Reads stay available while an engine is paused; only state transitions
// consult the registry.
type PauseRegistry interface {
	IsPaused(engine string) bool
}

// EnsureActive rejects a mutation when the named engine is paused. A nil
// registry means pausing is not wired and every engine stays active.
func EnsureActive(reg PauseRegistry, engine string) error {
	if reg == nil || engine == "" {
		return nil
	}
	if reg.IsPaused(engine) {
		return fmt.Errorf("%w: %s", ErrEnginePaused, engine)
	}
	return nil
}
