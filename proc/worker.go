package proc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

// The helper class injected into the target VM. Its worker entry method is
// a bare return; the worker thread parks on a breakpoint at its first
// instruction and stays suspended for the lifetime of the process, giving
// the engine a reusable thread to run synchronous invocations on.
const (
	workerClassSignature  = "Lluceedebug/coreinject/DebugEntry;"
	workerEntryMethod     = "jdwp_workerEntry"
	workerGetThreadMethod = "jdwp_getThread"

	// How long to wait for the worker thread to reach its parking
	// breakpoint after being spawned.
	workerAckTimeout = 10 * time.Second
)

// worker owns the perpetually suspended helper thread inside the target VM
// and the invocations that run on it. The wire protocol offers no inverse
// of "native thread object to thread reference"; invoking jdwp_getThread on
// the parked worker, passing the reference, makes the helper store the
// thread object in a numbered buffer on the target side so the engine can
// fetch it through CoreInject.
type worker struct {
	vm     dwp.Vm
	inject CoreInject

	klass     dwp.ReferenceType
	getThread dwp.Method

	// Set once by the event pump when the parking breakpoint is hit.
	ref   dwp.ThreadRef
	ackCh chan dwp.ThreadRef

	// Invocations on the worker must not overlap: a second invoke while one
	// is in flight would resume suspensions the first one relies on.
	invokeMu sync.Mutex
}

func newWorker(vm dwp.Vm, inject CoreInject) *worker {
	return &worker{
		vm:     vm,
		inject: inject,
		ackCh:  make(chan dwp.ThreadRef, 1),
	}
}

// bootstrap establishes the parked worker thread. The event pump must
// already be running: the acknowledgement arrives as a breakpoint event.
func (w *worker) bootstrap(erm dwp.EventRequestManager) error {
	if err := w.inject.EnsureWorkerLoaded(); err != nil {
		return fmt.Errorf("could not load worker class: %s", err)
	}

	classes, err := w.vm.ClassesBySignature(workerClassSignature)
	if err != nil {
		return err
	}
	if len(classes) == 0 {
		return fmt.Errorf("worker class %s not loaded after injection", workerClassSignature)
	}
	w.klass = classes[0]

	entry, err := methodByName(w.klass, workerEntryMethod)
	if err != nil {
		return err
	}
	w.getThread, err = methodByName(w.klass, workerGetThreadMethod)
	if err != nil {
		return err
	}

	loc, err := entry.LocationOfCodeIndex(0)
	if err != nil {
		return err
	}
	req, err := erm.CreateBreakpointRequest(loc)
	if err != nil {
		return err
	}
	req.SetSuspendPolicy(dwp.SuspendEventThread)
	req.PutProperty(propWorkerAck, true)
	if err := req.SetEnabled(true); err != nil {
		return err
	}

	if err := w.inject.SpawnWorker(); err != nil {
		return err
	}

	select {
	case ref := <-w.ackCh:
		w.ref = ref
	case <-time.After(workerAckTimeout):
		return fmt.Errorf("worker thread did not reach its parking breakpoint within %s", workerAckTimeout)
	}

	// The parking breakpoint has served its purpose; the worker stays
	// suspended without it.
	if err := erm.DeleteEventRequest(req); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"workerThreadID": w.ref.ID()}).Debug("worker thread parked")
	return nil
}

// ack is called by the event pump when the parking breakpoint is hit. The
// worker thread is left suspended.
func (w *worker) ack(ref dwp.ThreadRef) {
	select {
	case w.ackCh <- ref:
	default:
	}
}

// GetNativeThread translates a thread reference into the native thread
// object it represents.
func (w *worker) GetNativeThread(ref dwp.ThreadRef) (NativeThread, error) {
	w.invokeMu.Lock()
	defer w.invokeMu.Unlock()

	v, err := w.klass.InvokeStaticMethod(
		w.ref,
		w.getThread,
		[]dwp.Value{dwp.ThreadValue{Thread: ref}},
		dwp.InvokeSingleThreaded,
	)
	if err != nil {
		if errors.Is(err, dwp.ErrObjectCollected) {
			// The collected object may be the argument thread, which is
			// routine, or the worker itself, which is fatal.
			if _, scErr := w.ref.SuspendCount(); errors.Is(scErr, dwp.ErrObjectCollected) {
				fatalf("worker thread reference was collected; cannot continue: %s", scErr)
			}
			return nil, err
		}
		return nil, err
	}
	key, ok := v.(dwp.IntValue)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected value %v", workerGetThreadMethod, v)
	}
	native, ok := w.inject.TakeNativeThread(int32(key))
	if !ok {
		return nil, fmt.Errorf("no native thread stored under key %d", key)
	}
	return native, nil
}

func methodByName(rt dwp.ReferenceType, name string) (dwp.Method, error) {
	methods, err := rt.Methods()
	if err != nil {
		return nil, err
	}
	for _, m := range methods {
		if m.Name() == name {
			return m, nil
		}
	}
	tname, _ := rt.Name()
	return nil, fmt.Errorf("no method %s on %s", name, tname)
}
