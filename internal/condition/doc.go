// Package condition decides whether a breakpoint hit should stop the
// thread.
//
// A breakpoint's Condition is an expression evaluated against the locals of
// the top frame, plus hitCount and thread. Two languages are supported:
// expr (github.com/expr-lang/expr), the default, and Lua. The Evaluator
// plugs an engine into a Target as a breakpoint listener.
package condition
