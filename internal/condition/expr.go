package condition

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. Programs are compiled once
// per source string and cached.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates an engine with an empty cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Eval implements Engine. Variables missing from env evaluate to nil.
func (e *ExprEngine) Eval(ctx context.Context, src string, env map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	program, err := e.compile(src)
	if err != nil {
		return false, fmt.Errorf("compiling condition %q: %w", src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrNotBoolean, src, out)
	}
	return b, nil
}

func (e *ExprEngine) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[src]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[src] = p
	e.mu.Unlock()
	return p, nil
}

// CacheSize returns the number of compiled programs.
func (e *ExprEngine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
