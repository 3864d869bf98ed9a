package proc

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

// pump drains the target VM's event queue on a dedicated goroutine and
// routes each event to its handler. Handlers never block on the client
// side and the pump holds no locks of its own, so facade operations run
// concurrently with event delivery.
func (e *Engine) pump() {
	defer close(e.pumpDone)
	queue := e.vm.EventQueue()
	for {
		set, err := queue.Remove()
		if err != nil {
			if errors.Is(err, dwp.ErrVmDisconnected) {
				log.Info("event queue closed, pump exiting")
				return
			}
			fatalf("event queue failed: %s", err)
			return
		}
		for _, ev := range set.Events() {
			switch ev := ev.(type) {
			case dwp.VmStartEvent:
				log.Debug("target vm started")
			case dwp.VmDeathEvent:
				log.Info("target vm died, pump exiting")
				return
			case dwp.ThreadStartEvent:
				e.handleThreadStart(ev)
			case dwp.ThreadDeathEvent:
				e.handleThreadDeath(ev)
			case dwp.ClassPrepareEvent:
				e.handleClassPrepare(ev)
			case dwp.ClassUnloadEvent:
				// Collection of mirrored classes is detected lazily during
				// binding; nothing to do eagerly.
				log.WithFields(logrus.Fields{"signature": ev.Signature}).Debug("class unloaded")
			case dwp.BreakpointEvent:
				e.handleBreakpoint(ev)
			default:
				fatalf("unexpected event type %T from target vm", ev)
				return
			}
		}
	}
}

func (e *Engine) handleThreadStart(ev dwp.ThreadStartEvent) {
	native, err := e.worker.GetNativeThread(ev.Thread)
	if err != nil {
		// The thread may already be gone by the time we look.
		log.WithFields(logrus.Fields{"threadID": ev.Thread.ID(), "err": err}).Debug("could not resolve native thread")
		return
	}
	e.threads.Register(native, ev.Thread)
}

func (e *Engine) handleThreadDeath(ev dwp.ThreadDeathEvent) {
	threadID := DwpThreadID(ev.Thread.ID())
	e.threads.Unregister(ev.Thread)
	e.suspended.Delete(threadID)
	e.stepState.Delete(threadID)
}

// handleClassPrepare runs with the originating thread suspended
// (suspend policy event-thread); it must resume that thread on every path
// or the target VM blocks indefinitely.
func (e *Engine) handleClassPrepare(ev dwp.ClassPrepareEvent) {
	defer resumeQuietly(ev.Thread)

	if e.klasses.isBootstrap(ev.Request) {
		if err := e.klasses.finishBootstrap(ev.RefType); err != nil {
			fatalf("could not install page class subscription: %s", err)
		}
		return
	}

	k, err := e.klasses.addMirror(ev.RefType)
	if err != nil || k == nil {
		return
	}
	// The mirror is registered before the notification goes out; consumers
	// observing the event may query the registry and see the new state.
	if changed := e.bps.RebindPath(k.path); len(changed) > 0 {
		e.emitBreakpointsChanged(BreakpointsChangedEvent{Changed: changed})
	}
}

func (e *Engine) handleBreakpoint(ev dwp.BreakpointEvent) {
	threadID := DwpThreadID(ev.Thread.ID())

	if ack, ok := ev.Request.GetProperty(propWorkerAck).(bool); ok && ack {
		// Worker bootstrap: capture the reference and leave the worker
		// suspended forever.
		e.worker.ack(ev.Thread)
		return
	}

	// A hit while the thread's step cycle awaits its finalization
	// breakpoint completes the step: the step-event callback fires instead
	// of the breakpoint-event callback.
	if e.stepState.CompareAndDelete(threadID, stateFinalizingViaAwaitedBreakpoint) {
		e.suspended.Store(threadID, ev.Thread)
		e.emitStepEvent(threadID)
		return
	}

	// A user breakpoint beat the step notification; cancel the step and
	// deliver an ordinary breakpoint hit.
	if e.stepState.CompareAndDelete(threadID, stateStepping) {
		if native, err := e.threads.NativeByID(threadID); err == nil {
			e.dm.ClearStepRequest(native)
		}
		log.WithFields(logrus.Fields{"threadID": threadID}).Debug("armed step cancelled by user breakpoint")
	}

	if expr, ok := ev.Request.GetProperty(propCondition).(string); ok && expr != "" {
		native, err := e.threads.NativeByID(threadID)
		if err != nil {
			fatalf("breakpoint hit on unknown thread: %s", err)
			return
		}
		hit, err := e.dm.EvaluateAsBooleanForConditionalBreakpoint(native, expr)
		if err != nil {
			// A broken condition must not swallow the hit.
			log.WithFields(logrus.Fields{"threadID": threadID, "expr": expr, "err": err}).Warn("condition evaluation failed, delivering hit")
		} else if !hit {
			resumeQuietly(ev.Thread)
			return
		}
	}

	bpID, _ := ev.Request.GetProperty(propBreakpointID).(DapBreakpointID)
	e.suspended.Store(threadID, ev.Thread)
	e.emitBreakpointEvent(threadID, bpID)
}
