package dwp

// EventQueue delivers event sets from the target VM, in the order the VM
// generated them.
type EventQueue interface {
	// Remove blocks until the next event set is available. It returns
	// ErrVmDisconnected once the connection has been disposed or dropped.
	Remove() (EventSet, error)
}

// EventSet is a group of events that occurred together in the target VM and
// share one suspend policy.
type EventSet interface {
	SuspendPolicy() SuspendPolicy
	Events() []Event
	// Resume undoes the suspensions performed when the set was generated.
	Resume() error
}

// Event is one occurrence in the target VM. Concrete types below.
type Event interface{}

// VmStartEvent is delivered once when the target VM initializes.
type VmStartEvent struct {
	Thread ThreadRef
}

// VmDeathEvent is delivered when the target VM terminates.
type VmDeathEvent struct{}

type ThreadStartEvent struct {
	Thread ThreadRef
}

type ThreadDeathEvent struct {
	Thread ThreadRef
}

type ClassPrepareEvent struct {
	Thread  ThreadRef
	RefType ReferenceType
	Request EventRequest
}

type ClassUnloadEvent struct {
	Signature string
}

type BreakpointEvent struct {
	Thread   ThreadRef
	Location Location
	Request  BreakpointRequest
}

// EventRequestManager creates and deletes event requests on the target VM.
type EventRequestManager interface {
	CreateBreakpointRequest(loc Location) (BreakpointRequest, error)
	CreateClassPrepareRequest() (ClassPrepareRequest, error)
	CreateThreadStartRequest() (EventRequest, error)
	CreateThreadDeathRequest() (EventRequest, error)
	CreateClassUnloadRequest() (EventRequest, error)
	DeleteEventRequest(req EventRequest) error
	DeleteEventRequests(reqs []EventRequest) error
	// DeleteAllBreakpoints removes every breakpoint request installed on the
	// VM, including ones this client never created.
	DeleteAllBreakpoints() error
}

// EventRequest is a request for the target VM to report a kind of event.
// Filters and the suspend policy must be configured before the request is
// first enabled.
type EventRequest interface {
	SetSuspendPolicy(p SuspendPolicy)
	SetEnabled(on bool) error
	// PutProperty attaches an arbitrary client-side property to the request.
	// Properties never cross the wire.
	PutProperty(key string, value interface{})
	GetProperty(key string) interface{}
}

// BreakpointRequest reports execution reaching a bytecode location.
type BreakpointRequest interface {
	EventRequest
	Location() Location
	// AddThreadFilter restricts the request to events on the given thread.
	AddThreadFilter(t ThreadRef)
	// AddCountFilter makes the request expire after n events.
	AddCountFilter(n int)
}

// ClassPrepareRequest reports classes becoming prepared in the target VM.
type ClassPrepareRequest interface {
	EventRequest
	// AddClassNameFilter restricts the request to class names matching the
	// given pattern.
	AddClassNameFilter(pattern string)
	// AddSubclassFilter restricts the request to the given reference type
	// and its subtypes.
	AddSubclassFilter(rt ReferenceType)
	// AddCountFilter makes the request expire after n events.
	AddCountFilter(n int)
}
