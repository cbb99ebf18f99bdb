// Package dispatch implements the event loop that drains event sets from a
// target VM and routes them to listeners.
//
// # Listeners
//
// Listeners are registered against the request that produces their events,
// not against an event kind. Each listener returns a resume vote from
// HandleEvent. After every event in a set has been handled, listeners that
// also implement SetCompleter learn the aggregate decision, and only then is
// the set resumed:
//
//	d := dispatch.New(session, target,
//	    dispatch.WithLogger(log),
//	    dispatch.WithDisconnectHandler(target.Disconnected),
//	)
//	id, err := d.Install(func() (remote.RequestID, error) {
//	    return session.CreateRequest(ctx, remote.RequestBreakpoint, params)
//	}, listener)
//
// Install holds the listener table while the request is created so that an
// event for the new request can never be routed before its listener exists.
//
// # Panic Recovery
//
// A listener that panics is recovered, reported to the PanicHandler and
// counted as a resume vote, so one broken listener cannot wedge the VM.
//
// # Shutdown
//
// Shutdown stops the loop. The set being handled completes; sets read after
// shutdown are dropped without being dispatched or resumed.
package dispatch
