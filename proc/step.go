package proc

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

// steppingState tracks where a thread is within a step cycle. A thread with
// no entry is not stepping. Transitions are strictly
// absent -> stepping -> (finalizing -> absent) or (absent via cancel), one
// cycle at a time, driven by atomic compare-and-swap / compare-and-delete
// on the state map.
type steppingState int

const (
	stateStepping steppingState = iota + 1
	stateFinalizingViaAwaitedBreakpoint
)

// The runtime hook the debug manager injects into generated page code calls
// a notification entry function when a step request matches; its frame is
// the marker the finalizer walks for.
const stepNotificationEntryPrefix = "luceedebug_stepNotificationEntry"

// Fixed byte length of the invoke-interface instruction that enters the
// notification entry, used to place the finalization breakpoint at the
// position immediately after the call.
const invokeInterfaceByteLength = 5

func isStepNotificationEntryFunc(name string) bool {
	return strings.HasPrefix(name, stepNotificationEntryPrefix)
}

// Step arms a step of the given kind for a thread that is currently
// suspended. The thread is resumed; the debug manager calls back through
// cfStepHandler once the next matching dispatch edge is reached.
func (e *Engine) Step(threadID DwpThreadID, kind StepKind) error {
	ref, err := e.threads.RefByID(threadID)
	if err != nil {
		fatalf("step requested for unknown thread: %s", err)
		return err
	}
	sc, err := ref.SuspendCount()
	if err != nil {
		return err
	}
	if sc == 0 {
		fatalf("step requested for running thread %d", threadID)
		return nil
	}
	native, err := e.threads.NativeByID(threadID)
	if err != nil {
		fatalf("step requested for thread with no native handle: %s", err)
		return err
	}

	e.stepState.Store(threadID, stateStepping)
	if err := e.dm.RegisterStepRequest(native, kind); err != nil {
		e.stepState.Delete(threadID)
		return err
	}
	log.WithFields(logrus.Fields{"threadID": threadID, "kind": kind}).Debug("step armed")
	return e.Continue(threadID)
}

// cfStepHandler is registered with the debug manager at attach. It runs on
// the stepping target thread inside the target VM's notification hook, so
// it cannot suspend its own thread through the wire protocol; the actual
// finalization runs on the single-worker finalizer and this function only
// waits for it.
func (e *Engine) cfStepHandler(native NativeThread, minFrameOffset int) {
	ref, err := e.threads.RefByNative(native)
	if err != nil {
		fatalf("step notification for unknown native thread: %s", err)
		return
	}
	e.execFinalizeFunc(func() {
		e.finalizeStep(ref, minFrameOffset)
	})
}

// finalizeStep runs phase 2 of a step: suspend the thread, find the
// topmost language-level frame, and install a one-shot breakpoint just
// past the invoke that entered the notification hook.
func (e *Engine) finalizeStep(ref dwp.ThreadRef, minFrameOffset int) {
	threadID := DwpThreadID(ref.ID())

	if err := ref.Suspend(); err != nil {
		log.WithFields(logrus.Fields{"threadID": threadID, "err": err}).Warn("could not suspend stepping thread")
		e.cancelStep(threadID)
		return
	}

	loc, ok := e.topLanguageFrameLocation(ref, minFrameOffset)
	if !ok {
		e.cancelStep(threadID)
		resumeQuietly(ref)
		return
	}

	bploc, err := loc.Method.LocationOfCodeIndex(loc.CodeIndex + invokeInterfaceByteLength)
	if err != nil {
		log.WithFields(logrus.Fields{"threadID": threadID, "err": err}).Warn("no location after call instruction")
		e.cancelStep(threadID)
		resumeQuietly(ref)
		return
	}

	req, err := e.erm.CreateBreakpointRequest(bploc)
	if err != nil {
		log.WithFields(logrus.Fields{"threadID": threadID, "err": err}).Warn("could not create finalization breakpoint")
		e.cancelStep(threadID)
		resumeQuietly(ref)
		return
	}
	req.SetSuspendPolicy(dwp.SuspendEventThread)
	req.AddThreadFilter(ref)
	req.AddCountFilter(1)
	if err := req.SetEnabled(true); err != nil {
		log.WithFields(logrus.Fields{"threadID": threadID, "err": err}).Warn("could not enable finalization breakpoint")
		e.cancelStep(threadID)
		resumeQuietly(ref)
		return
	}

	if !e.stepState.CompareAndSwap(threadID, stateStepping, stateFinalizingViaAwaitedBreakpoint) {
		// A user breakpoint cancelled the step while we were installing;
		// the finalization breakpoint must not fire.
		if err := e.erm.DeleteEventRequest(req); err != nil {
			log.WithFields(logrus.Fields{"threadID": threadID, "err": err}).Warn("could not delete finalization breakpoint")
		}
		resumeQuietly(ref)
		return
	}

	resumeQuietly(ref)
	log.WithFields(logrus.Fields{"threadID": threadID, "codeIndex": bploc.CodeIndex}).Debug("step finalization breakpoint installed")
}

// topLanguageFrameLocation walks frames starting at minFrameOffset for the
// notification entry frame; the frame immediately below it is the topmost
// language-level frame.
func (e *Engine) topLanguageFrameLocation(ref dwp.ThreadRef, minFrameOffset int) (dwp.Location, bool) {
	count, err := ref.FrameCount()
	if err != nil {
		return dwp.Location{}, false
	}
	if minFrameOffset >= count {
		return dwp.Location{}, false
	}
	frames, err := ref.Frames(minFrameOffset, count-minFrameOffset)
	if err != nil {
		return dwp.Location{}, false
	}
	for i, f := range frames {
		if isStepNotificationEntryFunc(f.Location().Method.Name()) {
			if i+1 < len(frames) {
				return frames[i+1].Location(), true
			}
			return dwp.Location{}, false
		}
	}
	return dwp.Location{}, false
}

// cancelStep abandons a step cycle: the state entry is removed and the
// debug manager's step request cleared.
func (e *Engine) cancelStep(threadID DwpThreadID) {
	e.stepState.Delete(threadID)
	if native, err := e.threads.NativeByID(threadID); err == nil {
		e.dm.ClearStepRequest(native)
	}
	log.WithFields(logrus.Fields{"threadID": threadID}).Debug("step cancelled")
}

func resumeQuietly(ref dwp.ThreadRef) {
	if err := ref.Resume(); err != nil {
		log.WithFields(logrus.Fields{"threadID": ref.ID(), "err": err}).Warn("resume failed")
	}
}
