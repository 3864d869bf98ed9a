package proc

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/dawesi/luceedebug/dwp"
)

// In-memory stand-ins for the dwp interfaces and the in-VM collaborators,
// so engine behavior can be driven event by event.

func assertNoError(err error, t *testing.T, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

type fakeNative struct {
	mu        sync.Mutex
	collected bool
}

func (n *fakeNative) Collected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.collected
}

func (n *fakeNative) setCollected() {
	n.mu.Lock()
	n.collected = true
	n.mu.Unlock()
}

type fakeThread struct {
	id   uint64
	name string

	mu           sync.Mutex
	suspendCount int
	frames       []dwp.StackFrame
}

func (t *fakeThread) ID() uint64            { return t.id }
func (t *fakeThread) Name() (string, error) { return t.name, nil }

func (t *fakeThread) Suspend() error {
	t.mu.Lock()
	t.suspendCount++
	t.mu.Unlock()
	return nil
}

func (t *fakeThread) Resume() error {
	t.mu.Lock()
	if t.suspendCount > 0 {
		t.suspendCount--
	}
	t.mu.Unlock()
	return nil
}

func (t *fakeThread) SuspendCount() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendCount, nil
}

func (t *fakeThread) FrameCount() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames), nil
}

func (t *fakeThread) Frames(start, length int) ([]dwp.StackFrame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if start < 0 || start+length > len(t.frames) {
		return nil, fmt.Errorf("frames [%d, %d) out of range", start, start+length)
	}
	return append([]dwp.StackFrame(nil), t.frames[start:start+length]...), nil
}

func (t *fakeThread) setFrames(frames ...dwp.StackFrame) {
	t.mu.Lock()
	t.frames = frames
	t.mu.Unlock()
}

func (t *fakeThread) setSuspendCount(n int) {
	t.mu.Lock()
	t.suspendCount = n
	t.mu.Unlock()
}

func (t *fakeThread) currentSuspendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendCount
}

type fakeFrame struct {
	loc dwp.Location
}

func (f *fakeFrame) Location() dwp.Location { return f.loc }

type fakeMethod struct {
	declaring *fakeRefType
	name      string
}

func (m *fakeMethod) Name() string { return m.name }

func (m *fakeMethod) LocationOfCodeIndex(ci int64) (dwp.Location, error) {
	return dwp.Location{Type: m.declaring, Method: m, CodeIndex: ci}, nil
}

type fakeRefType struct {
	vm     *fakeVm
	id     uint64
	name   string
	sig    string
	source string

	methods []dwp.Method
	lines   map[int]dwp.Location

	mu        sync.Mutex
	collected bool
}

func (rt *fakeRefType) isCollected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.collected
}

func (rt *fakeRefType) setCollected() {
	rt.mu.Lock()
	rt.collected = true
	rt.mu.Unlock()
}

func (rt *fakeRefType) UniqueID() uint64 { return rt.id }

func (rt *fakeRefType) Name() (string, error) { return rt.name, nil }

func (rt *fakeRefType) Signature() (string, error) {
	if rt.isCollected() {
		return "", dwp.ErrObjectCollected
	}
	return rt.sig, nil
}

func (rt *fakeRefType) SourceName() (string, error) {
	if rt.source == "" {
		return "", dwp.ErrAbsentInformation
	}
	return rt.source, nil
}

func (rt *fakeRefType) Methods() ([]dwp.Method, error) {
	return append([]dwp.Method(nil), rt.methods...), nil
}

func (rt *fakeRefType) AllLineLocations() ([]dwp.Location, error) {
	if rt.isCollected() {
		return nil, dwp.ErrObjectCollected
	}
	var locs []dwp.Location
	for _, loc := range rt.lines {
		locs = append(locs, loc)
	}
	return locs, nil
}

func (rt *fakeRefType) InvokeStaticMethod(thread dwp.ThreadRef, m dwp.Method, args []dwp.Value, options int) (dwp.Value, error) {
	return rt.vm.inject.invokeStatic(m, args)
}

// newPageClass builds a page class whose line table has exactly the given
// lines, each mapped to code index line*10.
func newPageClass(vm *fakeVm, id uint64, path string, lines ...int) *fakeRefType {
	rt := &fakeRefType{
		vm:     vm,
		id:     id,
		name:   fmt.Sprintf("cfpage%d", id),
		sig:    fmt.Sprintf("Lcfpage%d;", id),
		source: path,
		lines:  make(map[int]dwp.Location),
	}
	m := &fakeMethod{declaring: rt, name: "call"}
	rt.methods = []dwp.Method{m}
	for _, line := range lines {
		rt.lines[line] = dwp.Location{Type: rt, Method: m, CodeIndex: int64(line * 10), Line: line}
	}
	return rt
}

type fakeRequest struct {
	kind string

	mu      sync.Mutex
	policy  dwp.SuspendPolicy
	props   map[string]interface{}
	enabled bool
	deleted bool
}

func (r *fakeRequest) SetSuspendPolicy(p dwp.SuspendPolicy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

func (r *fakeRequest) SetEnabled(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return fmt.Errorf("request already deleted")
	}
	r.enabled = on
	return nil
}

func (r *fakeRequest) PutProperty(key string, value interface{}) {
	r.mu.Lock()
	if r.props == nil {
		r.props = make(map[string]interface{})
	}
	r.props[key] = value
	r.mu.Unlock()
}

func (r *fakeRequest) GetProperty(key string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.props[key]
}

func (r *fakeRequest) markDeleted() {
	r.mu.Lock()
	r.deleted = true
	r.enabled = false
	r.mu.Unlock()
}

func (r *fakeRequest) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled && !r.deleted
}

type fakeBpRequest struct {
	fakeRequest
	loc dwp.Location

	threadFilter dwp.ThreadRef
	countFilter  int
}

func (r *fakeBpRequest) Location() dwp.Location { return r.loc }

func (r *fakeBpRequest) AddThreadFilter(t dwp.ThreadRef) {
	r.mu.Lock()
	r.threadFilter = t
	r.mu.Unlock()
}

func (r *fakeBpRequest) AddCountFilter(n int) {
	r.mu.Lock()
	r.countFilter = n
	r.mu.Unlock()
}

type fakePrepareRequest struct {
	fakeRequest
	classNameFilter string
	subclassFilter  dwp.ReferenceType
	countFilter     int
}

func (r *fakePrepareRequest) AddClassNameFilter(pattern string) {
	r.mu.Lock()
	r.classNameFilter = pattern
	r.mu.Unlock()
}

func (r *fakePrepareRequest) AddSubclassFilter(rt dwp.ReferenceType) {
	r.mu.Lock()
	r.subclassFilter = rt
	r.mu.Unlock()
}

func (r *fakePrepareRequest) AddCountFilter(n int) {
	r.mu.Lock()
	r.countFilter = n
	r.mu.Unlock()
}

type fakeErm struct {
	mu             sync.Mutex
	bpReqs         []*fakeBpRequest
	prepReqs       []*fakePrepareRequest
	plainReqs      []*fakeRequest
	deleteAllCalls int
}

func (erm *fakeErm) CreateBreakpointRequest(loc dwp.Location) (dwp.BreakpointRequest, error) {
	if rt, ok := loc.Type.(*fakeRefType); ok && rt.isCollected() {
		return nil, dwp.ErrObjectCollected
	}
	req := &fakeBpRequest{fakeRequest: fakeRequest{kind: "breakpoint"}, loc: loc}
	erm.mu.Lock()
	erm.bpReqs = append(erm.bpReqs, req)
	erm.mu.Unlock()
	return req, nil
}

func (erm *fakeErm) CreateClassPrepareRequest() (dwp.ClassPrepareRequest, error) {
	req := &fakePrepareRequest{fakeRequest: fakeRequest{kind: "classPrepare"}}
	erm.mu.Lock()
	erm.prepReqs = append(erm.prepReqs, req)
	erm.mu.Unlock()
	return req, nil
}

func (erm *fakeErm) createPlain(kind string) (dwp.EventRequest, error) {
	req := &fakeRequest{kind: kind}
	erm.mu.Lock()
	erm.plainReqs = append(erm.plainReqs, req)
	erm.mu.Unlock()
	return req, nil
}

func (erm *fakeErm) CreateThreadStartRequest() (dwp.EventRequest, error) {
	return erm.createPlain("threadStart")
}

func (erm *fakeErm) CreateThreadDeathRequest() (dwp.EventRequest, error) {
	return erm.createPlain("threadDeath")
}

func (erm *fakeErm) CreateClassUnloadRequest() (dwp.EventRequest, error) {
	return erm.createPlain("classUnload")
}

func (erm *fakeErm) DeleteEventRequest(req dwp.EventRequest) error {
	switch r := req.(type) {
	case *fakeBpRequest:
		r.markDeleted()
	case *fakePrepareRequest:
		r.markDeleted()
	case *fakeRequest:
		r.markDeleted()
	}
	return nil
}

func (erm *fakeErm) DeleteEventRequests(reqs []dwp.EventRequest) error {
	for _, req := range reqs {
		erm.DeleteEventRequest(req)
	}
	return nil
}

func (erm *fakeErm) DeleteAllBreakpoints() error {
	erm.mu.Lock()
	defer erm.mu.Unlock()
	erm.deleteAllCalls++
	for _, req := range erm.bpReqs {
		req.markDeleted()
	}
	return nil
}

// activeBpRequests returns the enabled, undeleted breakpoint requests.
func (erm *fakeErm) activeBpRequests() []*fakeBpRequest {
	erm.mu.Lock()
	defer erm.mu.Unlock()
	var active []*fakeBpRequest
	for _, req := range erm.bpReqs {
		if req.isActive() {
			active = append(active, req)
		}
	}
	return active
}

type fakeEventSet struct {
	policy dwp.SuspendPolicy
	events []dwp.Event
}

func (s *fakeEventSet) SuspendPolicy() dwp.SuspendPolicy { return s.policy }
func (s *fakeEventSet) Events() []dwp.Event              { return s.events }
func (s *fakeEventSet) Resume() error                    { return nil }

type fakeQueue struct {
	vm *fakeVm
}

func (q *fakeQueue) Remove() (dwp.EventSet, error) {
	select {
	case set := <-q.vm.events:
		return set, nil
	case <-q.vm.disconnected:
		return nil, dwp.ErrVmDisconnected
	}
}

type fakeVm struct {
	erm    *fakeErm
	inject *fakeInject

	mu      sync.Mutex
	threads []dwp.ThreadRef
	classes map[string][]dwp.ReferenceType

	events       chan dwp.EventSet
	disconnected chan struct{}
	disposeOnce  sync.Once
}

func (vm *fakeVm) Version() (string, error) { return "fake target vm", nil }

func (vm *fakeVm) AllThreads() ([]dwp.ThreadRef, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]dwp.ThreadRef(nil), vm.threads...), nil
}

func (vm *fakeVm) ClassesBySignature(sig string) ([]dwp.ReferenceType, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]dwp.ReferenceType(nil), vm.classes[sig]...), nil
}

func (vm *fakeVm) EventQueue() dwp.EventQueue                   { return &fakeQueue{vm: vm} }
func (vm *fakeVm) EventRequestManager() dwp.EventRequestManager { return vm.erm }
func (vm *fakeVm) Resume() error                                { return nil }

func (vm *fakeVm) Dispose() error {
	vm.disposeOnce.Do(func() { close(vm.disconnected) })
	return nil
}

func (vm *fakeVm) deliver(policy dwp.SuspendPolicy, events ...dwp.Event) {
	vm.events <- &fakeEventSet{policy: policy, events: events}
}

func (vm *fakeVm) addClass(rt *fakeRefType) {
	vm.mu.Lock()
	vm.classes[rt.sig] = append(vm.classes[rt.sig], rt)
	vm.mu.Unlock()
}

type fakeInject struct {
	vm           *fakeVm
	workerClass  *fakeRefType
	workerThread *fakeThread

	mu      sync.Mutex
	natives map[uint64]*fakeNative
	buffer  map[int32]NativeThread
	nextKey int32
}

func (fi *fakeInject) EnsureWorkerLoaded() error {
	fi.vm.addClass(fi.workerClass)
	return nil
}

func (fi *fakeInject) SpawnWorker() error {
	var ackReq *fakeBpRequest
	for _, req := range fi.vm.erm.activeBpRequests() {
		if ack, ok := req.GetProperty(propWorkerAck).(bool); ok && ack {
			ackReq = req
			break
		}
	}
	if ackReq == nil {
		return fmt.Errorf("no worker parking breakpoint installed")
	}
	fi.workerThread.setSuspendCount(1)
	fi.vm.deliver(dwp.SuspendEventThread, dwp.BreakpointEvent{
		Thread:   fi.workerThread,
		Location: ackReq.loc,
		Request:  ackReq,
	})
	return nil
}

func (fi *fakeInject) TakeNativeThread(key int32) (NativeThread, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	native, ok := fi.buffer[key]
	delete(fi.buffer, key)
	return native, ok
}

// nativeFor returns the stable native handle for a thread id.
func (fi *fakeInject) nativeFor(id uint64) *fakeNative {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	native, ok := fi.natives[id]
	if !ok {
		native = &fakeNative{}
		fi.natives[id] = native
	}
	return native
}

func (fi *fakeInject) invokeStatic(m dwp.Method, args []dwp.Value) (dwp.Value, error) {
	if m.Name() != workerGetThreadMethod {
		return nil, fmt.Errorf("unexpected invocation of %s", m.Name())
	}
	tv, ok := args[0].(dwp.ThreadValue)
	if !ok {
		return nil, fmt.Errorf("unexpected argument %v", args[0])
	}
	native := fi.nativeFor(tv.Thread.ID())
	fi.mu.Lock()
	fi.nextKey++
	key := fi.nextKey
	fi.buffer[key] = native
	fi.mu.Unlock()
	return dwp.IntValue(key), nil
}

type stepRequest struct {
	native NativeThread
	kind   StepKind
}

type fakeDebugManager struct {
	mu           sync.Mutex
	stepHandler  StepHandler
	stepRequests []stepRequest
	cleared      []NativeThread
	condResults  map[string]bool
	condCalls    []string
}

func (dm *fakeDebugManager) GetCfStack(native NativeThread) ([]DebugFrame, error) {
	return []DebugFrame{{ID: 1, Name: "call", Source: "/srv/a.cf", Line: 10}}, nil
}

func (dm *fakeDebugManager) GetScopesForFrame(frameID int) ([]DebugEntity, error) {
	return []DebugEntity{{Name: "Local", VariablesReference: 2}}, nil
}

func (dm *fakeDebugManager) GetVariables(id int, kind VariablesKind) ([]DebugEntity, error) {
	return []DebugEntity{{Name: "x", Value: "1"}}, nil
}

func (dm *fakeDebugManager) RegisterCfStepHandler(fn StepHandler) {
	dm.mu.Lock()
	dm.stepHandler = fn
	dm.mu.Unlock()
}

func (dm *fakeDebugManager) RegisterStepRequest(native NativeThread, kind StepKind) error {
	dm.mu.Lock()
	dm.stepRequests = append(dm.stepRequests, stepRequest{native: native, kind: kind})
	dm.mu.Unlock()
	return nil
}

func (dm *fakeDebugManager) ClearStepRequest(native NativeThread) {
	dm.mu.Lock()
	dm.cleared = append(dm.cleared, native)
	dm.mu.Unlock()
}

func (dm *fakeDebugManager) EvaluateAsBooleanForConditionalBreakpoint(native NativeThread, expr string) (bool, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.condCalls = append(dm.condCalls, expr)
	result, ok := dm.condResults[expr]
	if !ok {
		return true, nil
	}
	return result, nil
}

func (dm *fakeDebugManager) DoDump(natives []NativeThread, varRef int) (string, error) {
	return fmt.Sprintf("<dump of %d over %d threads>", varRef, len(natives)), nil
}

func (dm *fakeDebugManager) DoDumpAsJSON(natives []NativeThread, varRef int) (string, error) {
	return "{}", nil
}

func (dm *fakeDebugManager) GetSourcePathForVariablesRef(varRef int) (string, error) {
	return "/srv/a.cf", nil
}

func (dm *fakeDebugManager) Evaluate(frameID int, expr string) (*EvalResult, error) {
	return &EvalResult{Value: "42"}, nil
}

func (dm *fakeDebugManager) handler() StepHandler {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.stepHandler
}

func (dm *fakeDebugManager) clearedSteps() []NativeThread {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return append([]NativeThread(nil), dm.cleared...)
}

type identityResolver struct{}

func (identityResolver) CanonicalServerPath(sourceName string) CanonicalServerPath {
	return CanonicalServerPath(sourceName)
}

type bpHit struct {
	thread DwpThreadID
	bp     DapBreakpointID
}

type fixture struct {
	e      *Engine
	vm     *fakeVm
	erm    *fakeErm
	inject *fakeInject
	dm     *fakeDebugManager

	bpEvents   chan bpHit
	stepEvents chan DwpThreadID
	changed    chan BreakpointsChangedEvent

	nextClassID uint64
}

func withTestEngine(t *testing.T, fn func(e *Engine, f *fixture)) {
	t.Helper()

	oldFatalf := fatalf
	fatalf = func(format string, args ...interface{}) {
		t.Errorf("fatal: "+format, args...)
	}
	defer func() { fatalf = oldFatalf }()

	erm := &fakeErm{}
	vm := &fakeVm{
		erm:          erm,
		classes:      make(map[string][]dwp.ReferenceType),
		events:       make(chan dwp.EventSet, 32),
		disconnected: make(chan struct{}),
	}
	workerClass := &fakeRefType{vm: vm, id: 1, name: "luceedebug.coreinject.DebugEntry", sig: workerClassSignature}
	workerClass.methods = []dwp.Method{
		&fakeMethod{declaring: workerClass, name: workerEntryMethod},
		&fakeMethod{declaring: workerClass, name: workerGetThreadMethod},
	}
	workerThread := &fakeThread{id: 1000, name: "luceedebug-worker"}
	inject := &fakeInject{
		vm:           vm,
		workerClass:  workerClass,
		workerThread: workerThread,
		natives:      make(map[uint64]*fakeNative),
		buffer:       make(map[int32]NativeThread),
	}
	vm.inject = inject
	vm.threads = []dwp.ThreadRef{workerThread}

	basePage := &fakeRefType{vm: vm, id: 2, name: basePageClassName, sig: basePageClassSignature}
	vm.classes[basePageClassSignature] = []dwp.ReferenceType{basePage}

	dm := &fakeDebugManager{condResults: make(map[string]bool)}

	e, err := Attach(vm, dm, inject, identityResolver{})
	assertNoError(err, t, "Attach()")
	defer e.Close()

	f := &fixture{
		e:           e,
		vm:          vm,
		erm:         erm,
		inject:      inject,
		dm:          dm,
		bpEvents:    make(chan bpHit, 16),
		stepEvents:  make(chan DwpThreadID, 16),
		changed:     make(chan BreakpointsChangedEvent, 16),
		nextClassID: 100,
	}
	e.RegisterBreakpointEventCallback(func(threadID DwpThreadID, bpID DapBreakpointID) {
		f.bpEvents <- bpHit{thread: threadID, bp: bpID}
	})
	e.RegisterStepEventCallback(func(threadID DwpThreadID) {
		f.stepEvents <- threadID
	})
	e.RegisterBreakpointsChangedCallback(func(ev BreakpointsChangedEvent) {
		f.changed <- ev
	})

	fn(e, f)
}

// startThread delivers a thread-start event and waits for the registry to
// pick the thread up.
func (f *fixture) startThread(t *testing.T, id uint64, name string) *fakeThread {
	t.Helper()
	th := &fakeThread{id: id, name: name}
	f.vm.mu.Lock()
	f.vm.threads = append(f.vm.threads, th)
	f.vm.mu.Unlock()
	f.vm.deliver(dwp.SuspendNone, dwp.ThreadStartEvent{Thread: th})
	f.waitFor(t, "thread registration", func() bool {
		_, err := f.e.threads.RefByID(DwpThreadID(id))
		return err == nil
	})
	return th
}

// prepareClass delivers a class-prepare event for a fresh page class and
// waits for its mirror to land in the registry.
func (f *fixture) prepareClass(t *testing.T, path string, lines ...int) *fakeRefType {
	t.Helper()
	f.nextClassID++
	rt := newPageClass(f.vm, f.nextClassID, path, lines...)
	before := len(f.e.klasses.Mirrors(CanonicalServerPath(path)))
	loader := &fakeThread{id: 4000 + rt.id, name: "loader", suspendCount: 1}
	f.vm.deliver(dwp.SuspendEventThread, dwp.ClassPrepareEvent{
		Thread:  loader,
		RefType: rt,
		Request: f.prepareRequest(t),
	})
	f.waitFor(t, "class mirror registration", func() bool {
		return len(f.e.klasses.Mirrors(CanonicalServerPath(path))) > before
	})
	return rt
}

func (f *fixture) prepareRequest(t *testing.T) *fakePrepareRequest {
	t.Helper()
	f.erm.mu.Lock()
	defer f.erm.mu.Unlock()
	for _, req := range f.erm.prepReqs {
		if req.subclassFilter != nil && req.isActive() {
			return req
		}
	}
	t.Fatal("no subclass-filtered prepare request installed")
	return nil
}

// bpRequestForLine finds the active user breakpoint request bound at a
// line of a path.
func (f *fixture) bpRequestForLine(t *testing.T, path string, line int) *fakeBpRequest {
	t.Helper()
	for _, req := range f.erm.activeBpRequests() {
		rt, ok := req.loc.Type.(*fakeRefType)
		if ok && rt.source == path && req.loc.Line == line {
			return req
		}
	}
	t.Fatalf("no active breakpoint request at %s:%d", path, line)
	return nil
}

// hitBreakpoint simulates the target VM reaching a breakpoint: the thread
// is suspended by the event-thread policy, then the event is delivered.
func (f *fixture) hitBreakpoint(th *fakeThread, req *fakeBpRequest) {
	th.mu.Lock()
	th.suspendCount++
	th.mu.Unlock()
	f.vm.deliver(dwp.SuspendEventThread, dwp.BreakpointEvent{
		Thread:   th,
		Location: req.loc,
		Request:  req,
	})
}

func (f *fixture) expectBpEvent(t *testing.T) bpHit {
	t.Helper()
	select {
	case hit := <-f.bpEvents:
		return hit
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for breakpoint event")
		return bpHit{}
	}
}

func (f *fixture) expectNoBpEvent(t *testing.T) {
	t.Helper()
	select {
	case hit := <-f.bpEvents:
		t.Fatalf("unexpected breakpoint event %+v", hit)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) expectStepEvent(t *testing.T) DwpThreadID {
	t.Helper()
	select {
	case threadID := <-f.stepEvents:
		return threadID
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for step event")
		return 0
	}
}

func (f *fixture) expectNoStepEvent(t *testing.T) {
	t.Helper()
	select {
	case threadID := <-f.stepEvents:
		t.Fatalf("unexpected step event for thread %d", threadID)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) expectChanged(t *testing.T) BreakpointsChangedEvent {
	t.Helper()
	select {
	case ev := <-f.changed:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for breakpoints-changed event")
		return BreakpointsChangedEvent{}
	}
}

func (f *fixture) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
