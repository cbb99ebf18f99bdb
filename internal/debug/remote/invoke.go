package remote

// InvokeFlags modify how a method invocation runs.
type InvokeFlags int

const (
	// InvokeSingleThreaded resumes only the invoking thread.
	InvokeSingleThreaded InvokeFlags = 1 << iota
	// InvokeNonVirtual skips virtual dispatch.
	InvokeNonVirtual
)

// Receiver is the target of an invocation: a class for static methods and
// constructors, or an object for instance methods. Exactly one must be set.
type Receiver struct {
	Class  string
	Object ObjectID
}

// Valid reports whether exactly one of Class and Object is set.
func (r Receiver) Valid() bool {
	return (r.Class != "") != (r.Object != 0)
}

// InvokeRequest is a single method or constructor invocation.
type InvokeRequest struct {
	Thread   ThreadID
	Receiver Receiver
	Method   MethodInfo
	Args     []Value
	Flags    InvokeFlags
}

// InvokeResult is the outcome of an invocation that reached the target VM.
// Exactly one of Value and Thrown is meaningful: when Thrown is non-nil the
// method completed abruptly.
type InvokeResult struct {
	Value  Value
	Thrown *Value
}

// Threw reports whether the invocation completed with an exception.
func (r InvokeResult) Threw() bool {
	return r.Thrown != nil
}
