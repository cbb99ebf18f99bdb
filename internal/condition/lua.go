package condition

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// LuaEngine evaluates Lua expressions in a sandboxed state. Only the base,
// table, string and math libraries are opened, and code loading functions
// are removed.
//
// An LState is not goroutine-safe; mu serializes every evaluation.
type LuaEngine struct {
	mu     sync.Mutex
	L      *lua.LState
	protos map[string]*lua.FunctionProto
	closed bool
}

// NewLuaEngine creates a sandboxed engine.
func NewLuaEngine() (*LuaEngine, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("opening lua %s library: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return &LuaEngine{L: L, protos: make(map[string]*lua.FunctionProto)}, nil
}

// Eval implements Engine. src is an expression; it is evaluated as
// "return src".
func (e *LuaEngine) Eval(ctx context.Context, src string, env map[string]any) (result bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}

	proto, err := e.compileLocked(src)
	if err != nil {
		return false, fmt.Errorf("compiling condition %q: %w", src, err)
	}

	L := e.L
	L.SetContext(ctx)
	defer L.RemoveContext()
	for name, v := range env {
		L.SetGlobal(name, toLValue(v))
	}
	defer func() {
		for name := range env {
			L.SetGlobal(name, lua.LNil)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic in condition %q: %v", src, r)
		}
	}()

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", src, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	b, ok := ret.(lua.LBool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %s", ErrNotBoolean, src, ret.Type())
	}
	return bool(b), nil
}

func (e *LuaEngine) compileLocked(src string) (*lua.FunctionProto, error) {
	if p, ok := e.protos[src]; ok {
		return p, nil
	}
	chunk, err := parse.Parse(strings.NewReader("return "+src), src)
	if err != nil {
		return nil, err
	}
	p, err := lua.Compile(chunk, src)
	if err != nil {
		return nil, err
	}
	e.protos[src] = p
	return p, nil
}

// Close releases the Lua state.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.L.Close()
	return nil
}

func toLValue(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	default:
		return lua.LString(fmt.Sprint(x))
	}
}
