package proc

// The engine drives everything inside the target VM through two narrow
// interfaces: DebugManager, the variable inspection and stepping subsystem
// injected into the target, and CoreInject, the helper that backs the
// worker-thread bootstrap. Both are implemented out of process; see
// service/manager for the bridge client.

// StepKind selects the user-visible stepping semantics of a step request.
type StepKind int

const (
	StepIn StepKind = iota
	StepOver
	StepOut
)

func (k StepKind) String() string {
	switch k {
	case StepIn:
		return "stepIn"
	case StepOver:
		return "stepOver"
	case StepOut:
		return "stepOut"
	}
	return "unknown"
}

// VariablesKind filters a variables request.
type VariablesKind int

const (
	VariablesAny VariablesKind = iota
	VariablesNamed
	VariablesIndexed
)

// NativeThread is an opaque handle to the actual thread object in the
// target VM behind a wire-protocol thread reference. Handles are held by
// the thread registry only as long as Collected reports false.
type NativeThread interface {
	// Collected reports whether the underlying thread object has been
	// garbage collected in the target VM.
	Collected() bool
}

// StepHandler is the callback the debug manager invokes after a step
// request matches a dispatch edge. It runs on the stepping target thread
// itself; minFrameOffset is the frame index at which the engine should
// start walking when looking for the notification entry frame.
type StepHandler func(native NativeThread, minFrameOffset int)

// DebugFrame is one frame of a language-level stack.
type DebugFrame struct {
	ID     int
	Name   string
	Source string
	Line   int
}

// DebugEntity is a scope or variable rendered by the debug manager.
type DebugEntity struct {
	Name               string
	Value              string
	VariablesReference int
	NamedVariables     int
	IndexedVariables   int
}

// EvalResult is the outcome of an expression evaluation that did not fail
// outright. Textual results carry no variables reference.
type EvalResult struct {
	Value              string
	VariablesReference int
}

// DebugManager is the variable inspection / scope rendering subsystem
// inside the target VM.
type DebugManager interface {
	GetCfStack(native NativeThread) ([]DebugFrame, error)
	GetScopesForFrame(frameID int) ([]DebugEntity, error)
	GetVariables(id int, kind VariablesKind) ([]DebugEntity, error)

	// RegisterCfStepHandler registers the engine's step callback. Called
	// exactly once, at attach.
	RegisterCfStepHandler(fn StepHandler)
	RegisterStepRequest(native NativeThread, kind StepKind) error
	ClearStepRequest(native NativeThread)

	// EvaluateAsBooleanForConditionalBreakpoint evaluates expr on the given
	// thread and coerces the result to a boolean. Runs synchronously inside
	// the breakpoint handler.
	EvaluateAsBooleanForConditionalBreakpoint(native NativeThread, expr string) (bool, error)

	DoDump(natives []NativeThread, varRef int) (string, error)
	DoDumpAsJSON(natives []NativeThread, varRef int) (string, error)
	GetSourcePathForVariablesRef(varRef int) (string, error)

	Evaluate(frameID int, expr string) (*EvalResult, error)
}

// CoreInject is the helper injected into the target VM that the worker
// bootstrap relies on.
type CoreInject interface {
	// EnsureWorkerLoaded loads the helper class in the target VM's class
	// loader if it is not loaded yet.
	EnsureWorkerLoaded() error
	// SpawnWorker starts the helper thread that parks on the worker entry
	// method.
	SpawnWorker() error
	// TakeNativeThread retrieves, and removes, the thread object the helper
	// stored under key during a jdwp_getThread invocation.
	TakeNativeThread(key int32) (NativeThread, bool)
}

// PathResolver maps source names reported by the target VM to canonical
// server paths. Path canonicalization policy is owned by the adapter
// configuration, not by the engine.
type PathResolver interface {
	CanonicalServerPath(sourceName string) CanonicalServerPath
}
