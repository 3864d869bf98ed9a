package wire

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

var errForeignLocation = errors.New("location does not belong to this connection")

// Event kinds.
const (
	eventKindSingleStep   = 1
	eventKindBreakpoint   = 2
	eventKindThreadStart  = 6
	eventKindThreadDeath  = 7
	eventKindClassPrepare = 8
	eventKindClassUnload  = 9
	eventKindVmStart      = 90
	eventKindVmDeath      = 99
)

// Request modifier kinds.
const (
	modKindCount        = 1
	modKindThreadOnly   = 3
	modKindClassOnly    = 4
	modKindClassMatch   = 5
	modKindLocationOnly = 7
)

type modifier func(vm *Vm, w *wbuf)

// eventRequest is the common state of all request kinds. Modifiers and the
// suspend policy accumulate client-side; the wire request is created when
// the request is first enabled.
type eventRequest struct {
	vm   *Vm
	kind byte

	// The outermost request object, so events decoded for this request
	// carry the concrete request type the engine created.
	owner dwp.EventRequest

	mu            sync.Mutex
	suspendPolicy dwp.SuspendPolicy
	mods          []modifier
	props         map[string]interface{}
	requestID     int32
	enabled       bool
}

func (er *eventRequest) SetSuspendPolicy(p dwp.SuspendPolicy) {
	er.mu.Lock()
	er.suspendPolicy = p
	er.mu.Unlock()
}

func (er *eventRequest) SetEnabled(on bool) error {
	er.mu.Lock()
	defer er.mu.Unlock()
	if on == er.enabled {
		return nil
	}
	if on {
		var w wbuf
		w.u8(er.kind)
		w.u8(byte(er.suspendPolicy))
		w.i32(len(er.mods))
		for _, mod := range er.mods {
			mod(er.vm, &w)
		}
		data, err := er.vm.conn.command(cmdSetEventRequest, cmdEventRequestSet, w.b)
		if err != nil {
			return err
		}
		r := rbuf{b: data}
		er.requestID = int32(r.u32())
		if r.err != nil {
			return r.err
		}
		er.enabled = true
		er.vm.erm.track(er)
		return nil
	}
	var w wbuf
	w.u8(er.kind)
	w.u32(uint32(er.requestID))
	_, err := er.vm.conn.command(cmdSetEventRequest, cmdEventRequestClear, w.b)
	er.vm.erm.untrack(er.requestID)
	er.enabled = false
	er.requestID = 0
	return err
}

func (er *eventRequest) PutProperty(key string, value interface{}) {
	er.mu.Lock()
	if er.props == nil {
		er.props = make(map[string]interface{})
	}
	er.props[key] = value
	er.mu.Unlock()
}

func (er *eventRequest) GetProperty(key string) interface{} {
	er.mu.Lock()
	defer er.mu.Unlock()
	return er.props[key]
}

func (er *eventRequest) addCountFilter(n int) {
	er.mu.Lock()
	er.mods = append(er.mods, func(vm *Vm, w *wbuf) {
		w.u8(modKindCount)
		w.i32(n)
	})
	er.mu.Unlock()
}

// breakpointRequest implements dwp.BreakpointRequest.
type breakpointRequest struct {
	eventRequest
	loc dwp.Location
}

func (br *breakpointRequest) Location() dwp.Location { return br.loc }

func (br *breakpointRequest) AddThreadFilter(t dwp.ThreadRef) {
	id := t.ID()
	br.mu.Lock()
	br.mods = append(br.mods, func(vm *Vm, w *wbuf) {
		w.u8(modKindThreadOnly)
		w.id(vm.sizes.object, id)
	})
	br.mu.Unlock()
}

func (br *breakpointRequest) AddCountFilter(n int) { br.addCountFilter(n) }

// classPrepareRequest implements dwp.ClassPrepareRequest.
type classPrepareRequest struct {
	eventRequest
}

func (cp *classPrepareRequest) AddClassNameFilter(pattern string) {
	cp.mu.Lock()
	cp.mods = append(cp.mods, func(vm *Vm, w *wbuf) {
		w.u8(modKindClassMatch)
		w.str(pattern)
	})
	cp.mu.Unlock()
}

func (cp *classPrepareRequest) AddSubclassFilter(rt dwp.ReferenceType) {
	id := rt.UniqueID()
	cp.mu.Lock()
	cp.mods = append(cp.mods, func(vm *Vm, w *wbuf) {
		w.u8(modKindClassOnly)
		w.id(vm.sizes.refType, id)
	})
	cp.mu.Unlock()
}

func (cp *classPrepareRequest) AddCountFilter(n int) { cp.addCountFilter(n) }

// eventRequestManager implements dwp.EventRequestManager. It tracks the
// enabled requests by wire request id so decoded events can carry their
// originating request object.
type eventRequestManager struct {
	vm *Vm

	mu   sync.Mutex
	byID map[int32]dwp.EventRequest
}

func newEventRequestManager(vm *Vm) *eventRequestManager {
	return &eventRequestManager{vm: vm, byID: make(map[int32]dwp.EventRequest)}
}

func (erm *eventRequestManager) track(er *eventRequest) {
	erm.mu.Lock()
	erm.byID[er.requestID] = er.owner
	erm.mu.Unlock()
}

func (erm *eventRequestManager) untrack(id int32) {
	erm.mu.Lock()
	delete(erm.byID, id)
	erm.mu.Unlock()
}

func (erm *eventRequestManager) lookup(id int32) dwp.EventRequest {
	erm.mu.Lock()
	defer erm.mu.Unlock()
	return erm.byID[id]
}

func (erm *eventRequestManager) CreateBreakpointRequest(loc dwp.Location) (dwp.BreakpointRequest, error) {
	rt, ok := loc.Type.(*refType)
	if !ok {
		return nil, errForeignLocation
	}
	m, ok := loc.Method.(*method)
	if !ok {
		return nil, errForeignLocation
	}
	br := &breakpointRequest{
		eventRequest: eventRequest{vm: erm.vm, kind: eventKindBreakpoint},
		loc:          loc,
	}
	br.owner = br
	tag, classID, methodID, index := rt.tag, rt.id, m.id, uint64(loc.CodeIndex)
	br.mods = append(br.mods, func(vm *Vm, w *wbuf) {
		w.u8(modKindLocationOnly)
		w.u8(tag)
		w.id(vm.sizes.refType, classID)
		w.id(vm.sizes.method, methodID)
		w.u64(index)
	})
	return br, nil
}

func (erm *eventRequestManager) CreateClassPrepareRequest() (dwp.ClassPrepareRequest, error) {
	cp := &classPrepareRequest{eventRequest: eventRequest{vm: erm.vm, kind: eventKindClassPrepare}}
	cp.owner = cp
	return cp, nil
}

func (erm *eventRequestManager) CreateThreadStartRequest() (dwp.EventRequest, error) {
	er := &eventRequest{vm: erm.vm, kind: eventKindThreadStart}
	er.owner = er
	return er, nil
}

func (erm *eventRequestManager) CreateThreadDeathRequest() (dwp.EventRequest, error) {
	er := &eventRequest{vm: erm.vm, kind: eventKindThreadDeath}
	er.owner = er
	return er, nil
}

func (erm *eventRequestManager) CreateClassUnloadRequest() (dwp.EventRequest, error) {
	er := &eventRequest{vm: erm.vm, kind: eventKindClassUnload}
	er.owner = er
	return er, nil
}

func (erm *eventRequestManager) DeleteEventRequest(req dwp.EventRequest) error {
	return req.SetEnabled(false)
}

func (erm *eventRequestManager) DeleteEventRequests(reqs []dwp.EventRequest) error {
	var firstErr error
	for _, req := range reqs {
		if err := req.SetEnabled(false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (erm *eventRequestManager) DeleteAllBreakpoints() error {
	_, err := erm.vm.conn.command(cmdSetEventRequest, cmdEventRequestClearAllBreakpoints, nil)
	erm.mu.Lock()
	for id, req := range erm.byID {
		if br, ok := req.(*breakpointRequest); ok {
			br.mu.Lock()
			br.enabled = false
			br.requestID = 0
			br.mu.Unlock()
			delete(erm.byID, id)
		}
	}
	erm.mu.Unlock()
	return err
}

// eventQueue implements dwp.EventQueue: it decodes composite packets off
// the connection on its own goroutine.
type eventQueue struct {
	vm   *Vm
	sets chan dwp.EventSet
}

func newEventQueue(vm *Vm) *eventQueue {
	q := &eventQueue{vm: vm, sets: make(chan dwp.EventSet, 16)}
	go q.decodeLoop()
	return q
}

func (q *eventQueue) decodeLoop() {
	defer close(q.sets)
	for data := range q.vm.conn.composites {
		set, err := q.vm.decodeEventSet(data)
		if err != nil {
			log.WithFields(logrus.Fields{"err": err}).Error("could not decode event set")
			continue
		}
		q.sets <- set
	}
}

func (q *eventQueue) Remove() (dwp.EventSet, error) {
	set, ok := <-q.sets
	if !ok {
		return nil, dwp.ErrVmDisconnected
	}
	return set, nil
}

// eventSet implements dwp.EventSet.
type eventSet struct {
	vm            *Vm
	suspendPolicy dwp.SuspendPolicy
	events        []dwp.Event
	threads       []dwp.ThreadRef
}

func (s *eventSet) SuspendPolicy() dwp.SuspendPolicy { return s.suspendPolicy }
func (s *eventSet) Events() []dwp.Event              { return s.events }

func (s *eventSet) Resume() error {
	switch s.suspendPolicy {
	case dwp.SuspendAll:
		return s.vm.Resume()
	case dwp.SuspendEventThread:
		var firstErr error
		for _, t := range s.threads {
			if err := t.Resume(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return nil
}

func (vm *Vm) decodeEventSet(data []byte) (dwp.EventSet, error) {
	r := rbuf{b: data}
	set := &eventSet{vm: vm, suspendPolicy: dwp.SuspendPolicy(r.u8())}
	n := r.i32()
	for i := 0; i < n && r.err == nil; i++ {
		kind := r.u8()
		requestID := int32(r.u32())
		switch kind {
		case eventKindVmStart:
			t := vm.threadFrom(&r)
			set.events = append(set.events, dwp.VmStartEvent{Thread: t})
		case eventKindVmDeath:
			set.events = append(set.events, dwp.VmDeathEvent{})
		case eventKindThreadStart:
			t := vm.threadFrom(&r)
			set.events = append(set.events, dwp.ThreadStartEvent{Thread: t})
			set.threads = append(set.threads, t)
		case eventKindThreadDeath:
			t := vm.threadFrom(&r)
			set.events = append(set.events, dwp.ThreadDeathEvent{Thread: t})
			set.threads = append(set.threads, t)
		case eventKindClassPrepare:
			t := vm.threadFrom(&r)
			tag := r.u8()
			typeID := r.id(vm.sizes.refType)
			r.str() // signature
			r.i32() // status
			set.events = append(set.events, dwp.ClassPrepareEvent{
				Thread:  t,
				RefType: &refType{vm: vm, tag: tag, id: typeID},
				Request: vm.erm.lookup(requestID),
			})
			set.threads = append(set.threads, t)
		case eventKindClassUnload:
			sig := r.str()
			set.events = append(set.events, dwp.ClassUnloadEvent{Signature: sig})
		case eventKindBreakpoint, eventKindSingleStep:
			t := vm.threadFrom(&r)
			loc, err := vm.decodeLocation(&r)
			if err != nil {
				return nil, err
			}
			req, _ := vm.erm.lookup(requestID).(dwp.BreakpointRequest)
			if req == nil {
				// The request was deleted while the event was in flight;
				// undo the suspension the orphaned event caused.
				log.WithFields(logrus.Fields{"requestID": requestID}).Debug("dropping event for deleted request")
				if set.suspendPolicy == dwp.SuspendEventThread {
					go t.Resume()
				}
				continue
			}
			set.events = append(set.events, dwp.BreakpointEvent{Thread: t, Location: loc, Request: req})
			set.threads = append(set.threads, t)
		default:
			// Payload size is unknown for kinds we never request; parsing
			// cannot continue past this point.
			log.WithFields(logrus.Fields{"kind": kind}).Error("unparseable event kind")
			return set, nil
		}
	}
	return set, r.err
}

func (vm *Vm) threadFrom(r *rbuf) dwp.ThreadRef {
	return &threadRef{vm: vm, id: r.id(vm.sizes.object)}
}
