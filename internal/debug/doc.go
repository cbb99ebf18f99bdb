// Package debug implements execution control for a target VM reached
// through a remote.Session.
//
// A Target owns the event loop, the thread state machines and the requests
// installed for breakpoints. Threads move between running, suspended,
// suspended-quiet and terminated as commands are issued and events arrive:
//
//	t, err := debug.NewTarget(ctx, session, debug.WithLogger(log))
//	...
//	bp := debug.NewLineBreakpoint("com.acme.Foo", 42)
//	err = t.BreakpointAdded(ctx, bp)
//
// Every state change is published as a Notification. Operations refused
// because of the state they find return a *RequestError whose Reason tells
// the caller why; errors.Is matches the Err* sentinels by reason.
package debug
