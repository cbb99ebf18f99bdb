package condition

import (
	"context"
	"io"

	"github.com/dshills/vmdebug/internal/debug"
	"github.com/dshills/vmdebug/internal/logging"
)

// Variables added to every condition environment.
const (
	VarHitCount = "hitCount"
	VarThread   = "thread"
)

// Evaluator votes on breakpoint hits by evaluating the breakpoint's
// condition. It implements debug.BreakpointListener.
type Evaluator struct {
	engine Engine
	log    *logging.Logger
}

var _ debug.BreakpointListener = (*Evaluator)(nil)

// NewEvaluator creates an evaluator on engine. A nil logger discards.
func NewEvaluator(engine Engine, log *logging.Logger) *Evaluator {
	if log == nil {
		log = logging.Discard()
	}
	return &Evaluator{engine: engine, log: log.WithComponent("condition")}
}

// BreakpointHit implements debug.BreakpointListener. Breakpoints without a
// condition are left to other listeners. A condition that fails to
// evaluate stops the thread so the user can see why.
func (e *Evaluator) BreakpointHit(ctx context.Context, th *debug.Thread, bp *debug.Breakpoint) debug.Vote {
	if bp.Condition == "" {
		return debug.VoteDontCare
	}
	env, err := e.environment(ctx, th, bp)
	if err != nil {
		e.log.WithError(err).Warn("reading locals for breakpoint %d", bp.ID)
		return debug.VoteSuspend
	}
	ok, err := e.engine.Eval(ctx, bp.Condition, env)
	if err != nil {
		e.log.WithError(err).Warn("condition of breakpoint %d", bp.ID)
		return debug.VoteSuspend
	}
	if ok {
		return debug.VoteSuspend
	}
	return debug.VoteDontSuspend
}

func (e *Evaluator) environment(ctx context.Context, th *debug.Thread, bp *debug.Breakpoint) (map[string]any, error) {
	env := map[string]any{
		VarHitCount: th.Target().HitCount(bp),
		VarThread:   th.Name(),
	}
	frame, err := th.TopFrame(ctx)
	if err != nil {
		return nil, err
	}
	vars, err := frame.Variables(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range vars {
		env[v.Name] = v.Value.Interface()
	}
	return env, nil
}

// Close releases the engine if it holds resources.
func (e *Evaluator) Close() error {
	if c, ok := e.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
