package condition

import (
	"context"
	"errors"
	"fmt"
)

// Engine names accepted by NewEngine.
const (
	EngineExpr = "expr"
	EngineLua  = "lua"
)

var (
	// ErrNotBoolean is returned when a condition does not yield a boolean.
	ErrNotBoolean = errors.New("condition must evaluate to a boolean")

	// ErrUnknownEngine is returned by NewEngine for an unsupported name.
	ErrUnknownEngine = errors.New("unknown condition engine")

	// ErrClosed is returned when evaluating on a closed engine.
	ErrClosed = errors.New("condition engine is closed")
)

// Engine evaluates condition source against a set of named values.
type Engine interface {
	Eval(ctx context.Context, src string, env map[string]any) (bool, error)
}

// NewEngine returns the engine registered under name. An empty name
// selects expr.
func NewEngine(name string) (Engine, error) {
	switch name {
	case "", EngineExpr:
		return NewExprEngine(), nil
	case EngineLua:
		return NewLuaEngine()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}
