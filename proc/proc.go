package proc

import (
	"fmt"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

var log = logrus.StandardLogger().WithField("layer", "proc")

// A debugger whose internal state no longer matches the target VM corrupts
// the user's mental model more than a clean exit; anything outside routine
// staleness terminates the process. Tests swap this out.
var fatalf = func(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

// Engine is the VM-coupled debug engine. It tracks live threads and loaded
// page classes in the target VM, binds source-line breakpoints to bytecode
// locations across class loading and unloading, and drives the stepping
// semantics. One engine serves one target VM and one client session.
type Engine struct {
	vm     dwp.Vm
	erm    dwp.EventRequestManager
	dm     DebugManager
	inject CoreInject

	threads *ThreadRegistry
	klasses *ClassRegistry
	bps     *BreakpointTable
	worker  *worker

	// DwpThreadID -> steppingState
	stepState sync.Map
	// DwpThreadID -> dwp.ThreadRef, the threads observed suspended and not
	// yet resumed.
	suspended sync.Map

	cbMu                 sync.RWMutex
	stepEventCb          func(DwpThreadID)
	breakpointEventCb    func(DwpThreadID, DapBreakpointID)
	breakpointsChangedCb func(BreakpointsChangedEvent)

	// Phase 2 of stepping suspends the stepping thread, which cannot do so
	// itself; the finalizer goroutine is the only actor allowed to issue
	// suspends during finalization.
	finalizeCh     chan func()
	finalizeDoneCh chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
}

// ThreadInfo describes one tracked thread.
type ThreadInfo struct {
	ID   DwpThreadID
	Name string
}

// BreakpointsChangedEvent notifies the client that breakpoint bound states
// changed outside a set-breakpoints request, e.g. after a class prepare.
type BreakpointsChangedEvent struct {
	Changed []dap.Breakpoint
	Deleted []dap.Breakpoint
}

// Attach wires an engine to an attached target VM and brings up its
// runtime: the step finalizer, the event pump, the parked worker thread,
// thread tracking, and the page class subscription.
func Attach(vm dwp.Vm, dm DebugManager, inject CoreInject, paths PathResolver) (*Engine, error) {
	e := &Engine{
		vm:             vm,
		erm:            vm.EventRequestManager(),
		dm:             dm,
		inject:         inject,
		threads:        NewThreadRegistry(),
		finalizeCh:     make(chan func()),
		finalizeDoneCh: make(chan struct{}),
		stopCh:         make(chan struct{}),
		pumpDone:       make(chan struct{}),
	}
	e.klasses = NewClassRegistry(vm, paths)
	e.bps = NewBreakpointTable(e.erm, e.klasses)
	e.worker = newWorker(vm, inject)

	go e.handleFinalizeFuncs()
	go e.pump()

	if err := e.worker.bootstrap(e.erm); err != nil {
		e.Close()
		return nil, err
	}

	if err := e.installThreadTracking(); err != nil {
		e.Close()
		return nil, err
	}

	if err := e.klasses.install(); err != nil {
		e.Close()
		return nil, err
	}

	e.dm.RegisterCfStepHandler(e.cfStepHandler)

	if version, err := vm.Version(); err == nil {
		log.WithFields(logrus.Fields{"vm": version}).Info("attached to target vm")
	}
	return e, nil
}

func (e *Engine) installThreadTracking() error {
	startReq, err := e.erm.CreateThreadStartRequest()
	if err != nil {
		return err
	}
	startReq.SetSuspendPolicy(dwp.SuspendNone)
	if err := startReq.SetEnabled(true); err != nil {
		return err
	}
	deathReq, err := e.erm.CreateThreadDeathRequest()
	if err != nil {
		return err
	}
	deathReq.SetSuspendPolicy(dwp.SuspendNone)
	if err := deathReq.SetEnabled(true); err != nil {
		return err
	}

	// Threads that started before we attached never produce a start event;
	// enumerate and register them now.
	existing, err := e.vm.AllThreads()
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.ID() == e.worker.ref.ID() {
			continue
		}
		native, err := e.worker.GetNativeThread(t)
		if err != nil {
			log.WithFields(logrus.Fields{"threadID": t.ID(), "err": err}).Debug("could not resolve native thread")
			continue
		}
		e.threads.Register(native, t)
	}
	return nil
}

// handleFinalizeFuncs runs queued step finalizations one at a time.
func (e *Engine) handleFinalizeFuncs() {
	for {
		select {
		case fn := <-e.finalizeCh:
			fn()
			e.finalizeDoneCh <- struct{}{}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) execFinalizeFunc(fn func()) {
	select {
	case e.finalizeCh <- fn:
		<-e.finalizeDoneCh
	case <-e.stopCh:
	}
}

// Close tears down the session: the wire connection is disposed, which
// abandons all installed requests and ends the event pump.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.threads.Close()
		if err := e.vm.Dispose(); err != nil {
			log.WithFields(logrus.Fields{"err": err}).Warn("dispose failed")
		}
	})
}

// Wait blocks until the event pump has exited.
func (e *Engine) Wait() {
	<-e.pumpDone
}

// RegisterStepEventCallback registers the callback fired when a step
// completes for a thread. Registered once, before events flow.
func (e *Engine) RegisterStepEventCallback(fn func(DwpThreadID)) {
	e.cbMu.Lock()
	e.stepEventCb = fn
	e.cbMu.Unlock()
}

// RegisterBreakpointEventCallback registers the callback fired when a user
// breakpoint hit is delivered.
func (e *Engine) RegisterBreakpointEventCallback(fn func(DwpThreadID, DapBreakpointID)) {
	e.cbMu.Lock()
	e.breakpointEventCb = fn
	e.cbMu.Unlock()
}

// RegisterBreakpointsChangedCallback registers the callback fired when
// bound states change outside a set-breakpoints request.
func (e *Engine) RegisterBreakpointsChangedCallback(fn func(BreakpointsChangedEvent)) {
	e.cbMu.Lock()
	e.breakpointsChangedCb = fn
	e.cbMu.Unlock()
}

func (e *Engine) emitStepEvent(threadID DwpThreadID) {
	e.cbMu.RLock()
	fn := e.stepEventCb
	e.cbMu.RUnlock()
	if fn != nil {
		fn(threadID)
	}
}

func (e *Engine) emitBreakpointEvent(threadID DwpThreadID, bpID DapBreakpointID) {
	e.cbMu.RLock()
	fn := e.breakpointEventCb
	e.cbMu.RUnlock()
	if fn != nil {
		fn(threadID, bpID)
	}
}

func (e *Engine) emitBreakpointsChanged(ev BreakpointsChangedEvent) {
	e.cbMu.RLock()
	fn := e.breakpointsChangedCb
	e.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// ListThreads returns the currently tracked threads.
func (e *Engine) ListThreads() []ThreadInfo {
	refs := e.threads.All()
	infos := make([]ThreadInfo, 0, len(refs))
	for _, ref := range refs {
		name, err := ref.Name()
		if err != nil {
			// Collected since we listed it.
			continue
		}
		infos = append(infos, ThreadInfo{ID: DwpThreadID(ref.ID()), Name: name})
	}
	return infos
}

// GetStack returns the language-level stack of a suspended thread.
func (e *Engine) GetStack(threadID DwpThreadID) ([]DebugFrame, error) {
	native, err := e.threads.NativeByID(threadID)
	if err != nil {
		fatalf("stack requested for unknown thread: %s", err)
		return nil, err
	}
	return e.dm.GetCfStack(native)
}

// GetScopes returns the scopes of a frame.
func (e *Engine) GetScopes(frameID int) ([]DebugEntity, error) {
	return e.dm.GetScopesForFrame(frameID)
}

// GetVariables returns the children of a variables reference.
func (e *Engine) GetVariables(id int, kind VariablesKind) ([]DebugEntity, error) {
	return e.dm.GetVariables(id, kind)
}

// BindBreakpoints replaces the breakpoints for a source path; see
// BreakpointTable.BindBreakpoints.
func (e *Engine) BindBreakpoints(ide RawIdePath, server CanonicalServerPath, lines []int, exprs []string) []dap.Breakpoint {
	return e.bps.BindBreakpoints(ide, server, lines, exprs)
}

// ClearBreakpoints removes all breakpoints for a source path.
func (e *Engine) ClearBreakpoints(server CanonicalServerPath) {
	e.bps.ClearPath(server)
}

// ClearAllBreakpoints removes every breakpoint, including any breakpoint
// requests on the VM the engine does not know about.
func (e *Engine) ClearAllBreakpoints() {
	e.bps.ClearAll()
}

// Continue resumes one thread. The suspend count is sampled once, before
// the resume loop: re-sampling after each resume would race with a fresh
// breakpoint hit raising the count again, silently stepping past that hit.
func (e *Engine) Continue(threadID DwpThreadID) error {
	ref, err := e.threads.RefByID(threadID)
	if err != nil {
		fatalf("continue requested for unknown thread: %s", err)
		return err
	}
	e.suspended.Delete(threadID)
	n, err := ref.SuspendCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := ref.Resume(); err != nil {
			return err
		}
	}
	return nil
}

// ContinueAll resumes every thread the engine has observed suspended.
func (e *Engine) ContinueAll() error {
	var ids []DwpThreadID
	e.suspended.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(DwpThreadID))
		return true
	})
	var firstErr error
	for _, id := range ids {
		if err := e.Continue(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StepIn steps into the next language-level call on the given thread.
func (e *Engine) StepIn(threadID DwpThreadID) error { return e.Step(threadID, StepIn) }

// StepOver steps over the next language-level statement.
func (e *Engine) StepOver(threadID DwpThreadID) error { return e.Step(threadID, StepOver) }

// StepOut runs until the current language-level frame returns.
func (e *Engine) StepOut(threadID DwpThreadID) error { return e.Step(threadID, StepOut) }

// Evaluate evaluates an expression in the context of a frame.
func (e *Engine) Evaluate(frameID int, expr string) (*EvalResult, error) {
	return e.dm.Evaluate(frameID, expr)
}

// Dump renders a variable as the language's dump output.
func (e *Engine) Dump(varRef int) (string, error) {
	return e.dm.DoDump(e.suspendedNatives(), varRef)
}

// DumpAsJSON renders a variable as JSON.
func (e *Engine) DumpAsJSON(varRef int) (string, error) {
	return e.dm.DoDumpAsJSON(e.suspendedNatives(), varRef)
}

// GetSourcePathForVariablesRef returns the source path that declared the
// entity behind a variables reference.
func (e *Engine) GetSourcePathForVariablesRef(varRef int) (string, error) {
	return e.dm.GetSourcePathForVariablesRef(varRef)
}

// TrackedSourcePaths returns the canonical paths with at least one loaded
// page class.
func (e *Engine) TrackedSourcePaths() []CanonicalServerPath {
	return e.klasses.Paths()
}

// Breakpoints returns the current replayable breakpoint records, for
// diagnostics.
func (e *Engine) Breakpoints() []ReplayableCfBreakpointRequest {
	return e.bps.Records()
}

func (e *Engine) suspendedNatives() []NativeThread {
	var natives []NativeThread
	e.suspended.Range(func(key, _ interface{}) bool {
		if native, err := e.threads.NativeByID(key.(DwpThreadID)); err == nil {
			natives = append(natives, native)
		}
		return true
	})
	return natives
}

// String implements fmt.Stringer for diagnostics.
func (e *Engine) String() string {
	return fmt.Sprintf("engine tracking %d threads, %d source paths", len(e.threads.All()), len(e.klasses.Paths()))
}
