// Package dwp defines the client-side view of the target VM's wire-level
// debug protocol. The engine in package proc talks only to these interfaces;
// the wire implementation lives in dwp/wire. Keeping the engine behind this
// seam is what lets it run against an in-memory VM in tests.
package dwp

import "errors"

// Suspend policies, with their wire values.
type SuspendPolicy byte

const (
	SuspendNone        SuspendPolicy = 0
	SuspendEventThread SuspendPolicy = 1
	SuspendAll         SuspendPolicy = 2
)

// Invoke options for static method invocation.
const (
	// InvokeSingleThreaded resumes only the invoking thread for the duration
	// of the call, leaving every other suspension in place.
	InvokeSingleThreaded = 0x01
)

var (
	// ErrObjectCollected is returned when an operation references an object
	// that has been garbage collected in the target VM.
	ErrObjectCollected = errors.New("object collected in target vm")

	// ErrVmDisconnected is returned once the connection to the target VM has
	// been torn down; the event queue returns it to end the pump.
	ErrVmDisconnected = errors.New("target vm disconnected")

	// ErrAbsentInformation is returned when the target VM has no debug
	// information for the requested item, e.g. the source name of a class
	// compiled in memory.
	ErrAbsentInformation = errors.New("absent information")
)

// Vm is a debuggee virtual machine reached over the wire protocol.
type Vm interface {
	// Version returns the target VM's version description.
	Version() (string, error)
	// AllThreads returns the currently live threads in the target VM.
	AllThreads() ([]ThreadRef, error)
	// ClassesBySignature returns the loaded reference types matching the
	// given type signature.
	ClassesBySignature(sig string) ([]ReferenceType, error)
	EventQueue() EventQueue
	EventRequestManager() EventRequestManager
	// Resume resumes all threads in the target VM.
	Resume() error
	// Dispose releases the connection. All requests are abandoned and the
	// event queue unblocks with ErrVmDisconnected.
	Dispose() error
}

// ThreadRef is a reference to a thread in the target VM.
type ThreadRef interface {
	// ID returns the wire-protocol object id of the thread.
	ID() uint64
	Name() (string, error)
	Suspend() error
	Resume() error
	SuspendCount() (int, error)
	FrameCount() (int, error)
	// Frames returns length frames starting at index start, frame 0 being
	// the current frame. length -1 means all remaining frames.
	Frames(start, length int) ([]StackFrame, error)
}

// StackFrame is one frame of a suspended thread's call stack.
type StackFrame interface {
	Location() Location
}

// ReferenceType is a class loaded in the target VM.
type ReferenceType interface {
	// UniqueID returns the wire-protocol reference type id, unique for the
	// lifetime of the class.
	UniqueID() uint64
	Name() (string, error)
	Signature() (string, error)
	// SourceName returns the source file name the class was compiled from.
	// Returns ErrAbsentInformation for classes without source attributes.
	SourceName() (string, error)
	Methods() ([]Method, error)
	// AllLineLocations returns the location of every line-table entry
	// across all of the class's methods. A line with emitted code in
	// several places appears once per entry.
	AllLineLocations() ([]Location, error)
	// InvokeStaticMethod invokes a static method of this class on the given
	// thread, which must be suspended by an event.
	InvokeStaticMethod(thread ThreadRef, m Method, args []Value, options int) (Value, error)
}

// Method is a method of a reference type.
type Method interface {
	Name() string
	// LocationOfCodeIndex maps a bytecode index within this method to a
	// location.
	LocationOfCodeIndex(ci int64) (Location, error)
}

// Location is a bytecode position in a method of a loaded class.
type Location struct {
	Type      ReferenceType
	Method    Method
	CodeIndex int64
	Line      int
}

// Value is a value passed to or returned from a method invocation in the
// target VM.
type Value interface{}

// IntValue is a 32 bit integer value.
type IntValue int32

// ThreadValue is a thread object value.
type ThreadValue struct {
	Thread ThreadRef
}
