package common

import "errors"

// ErrReentrantCall is returned when a value-moving operation is invoked while
// a previous one on the same guard has not finished.
var ErrReentrantCall = errors.New("reentrant call")

// ReentrancyGuard rejects nested entry into guarded operations. Operations run
// serialized, so a plain flag is sufficient; the guard exists to catch a
// callback path re-entering the engine mid-operation.
type ReentrancyGuard struct {
	entered bool
}

// Enter marks the guard as held. Callers must pair it with Exit, typically via
// defer immediately after a successful Enter.
func (g *ReentrancyGuard) Enter() error {
	if g == nil {
		return nil
	}
	if g.entered {
		return ErrReentrantCall
	}
	g.entered = true
	return nil
}

// Exit releases the guard.
func (g *ReentrancyGuard) Exit() {
	if g == nil {
		return
	}
	g.entered = false
}
