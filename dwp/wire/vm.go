package wire

import (
	"fmt"
	"net"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dawesi/luceedebug/dwp"
)

// Line tables and method lists are immutable for the lifetime of a class;
// cache them instead of re-issuing round-trips on every frame decode.
const (
	lineTableCacheSize = 4096
	methodsCacheSize   = 1024
)

// Vm is the wire-protocol implementation of dwp.Vm.
type Vm struct {
	conn  *conn
	sizes idSizes

	erm   *eventRequestManager
	queue *eventQueue

	lineTables *lru.Cache // methodKey -> *lineTable
	methods    *lru.Cache // refTypeID uint64 -> []*method
}

type methodKey struct {
	refTypeID uint64
	methodID  uint64
}

// Dial attaches to a target VM listening for wire debug connections at
// addr.
func Dial(addr string) (*Vm, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Attach(c)
}

// Attach performs the protocol handshake over an established connection.
func Attach(c net.Conn) (*Vm, error) {
	cn, err := newConn(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	vm := &Vm{conn: cn}
	vm.lineTables, _ = lru.New(lineTableCacheSize)
	vm.methods, _ = lru.New(methodsCacheSize)
	if err := vm.loadIDSizes(); err != nil {
		cn.close()
		return nil, err
	}
	vm.erm = newEventRequestManager(vm)
	vm.queue = newEventQueue(vm)
	return vm, nil
}

func (vm *Vm) loadIDSizes() error {
	data, err := vm.conn.command(cmdSetVirtualMachine, cmdVmIDSizes, nil)
	if err != nil {
		return err
	}
	r := rbuf{b: data}
	vm.sizes = idSizes{
		field:   r.i32(),
		method:  r.i32(),
		object:  r.i32(),
		refType: r.i32(),
		frame:   r.i32(),
	}
	return r.err
}

// Version returns the target VM's version description.
func (vm *Vm) Version() (string, error) {
	data, err := vm.conn.command(cmdSetVirtualMachine, cmdVmVersion, nil)
	if err != nil {
		return "", err
	}
	r := rbuf{b: data}
	description := r.str()
	return description, r.err
}

// AllThreads returns the live threads in the target VM.
func (vm *Vm) AllThreads() ([]dwp.ThreadRef, error) {
	data, err := vm.conn.command(cmdSetVirtualMachine, cmdVmAllThreads, nil)
	if err != nil {
		return nil, err
	}
	r := rbuf{b: data}
	n := r.i32()
	threads := make([]dwp.ThreadRef, 0, n)
	for i := 0; i < n; i++ {
		threads = append(threads, &threadRef{vm: vm, id: r.id(vm.sizes.object)})
	}
	return threads, r.err
}

// ClassesBySignature returns the loaded reference types with the given
// signature.
func (vm *Vm) ClassesBySignature(sig string) ([]dwp.ReferenceType, error) {
	var w wbuf
	w.str(sig)
	data, err := vm.conn.command(cmdSetVirtualMachine, cmdVmClassesBySignature, w.b)
	if err != nil {
		return nil, err
	}
	r := rbuf{b: data}
	n := r.i32()
	types := make([]dwp.ReferenceType, 0, n)
	for i := 0; i < n; i++ {
		tag := r.u8()
		id := r.id(vm.sizes.refType)
		r.i32() // status
		types = append(types, &refType{vm: vm, tag: tag, id: id})
	}
	return types, r.err
}

func (vm *Vm) EventQueue() dwp.EventQueue                   { return vm.queue }
func (vm *Vm) EventRequestManager() dwp.EventRequestManager { return vm.erm }

// Resume resumes all threads in the target VM.
func (vm *Vm) Resume() error {
	_, err := vm.conn.command(cmdSetVirtualMachine, cmdVmResume, nil)
	return err
}

// Dispose releases the connection; all requests are abandoned.
func (vm *Vm) Dispose() error {
	_, err := vm.conn.command(cmdSetVirtualMachine, cmdVmDispose, nil)
	vm.conn.close()
	if err != nil && err != dwp.ErrVmDisconnected {
		return err
	}
	return nil
}

// methodsFor returns, and caches, the methods of a reference type.
func (vm *Vm) methodsFor(rt *refType) ([]*method, error) {
	if cached, ok := vm.methods.Get(rt.id); ok {
		return cached.([]*method), nil
	}
	var w wbuf
	w.id(vm.sizes.refType, rt.id)
	data, err := vm.conn.command(cmdSetReferenceType, cmdRefTypeMethods, w.b)
	if err != nil {
		return nil, err
	}
	r := rbuf{b: data}
	n := r.i32()
	methods := make([]*method, 0, n)
	for i := 0; i < n; i++ {
		id := r.id(vm.sizes.method)
		name := r.str()
		r.str() // signature
		r.i32() // modifiers
		methods = append(methods, &method{vm: vm, declaring: rt, id: id, name: name})
	}
	if r.err != nil {
		return nil, r.err
	}
	vm.methods.Add(rt.id, methods)
	return methods, nil
}

// lineTableFor returns, and caches, the line table of a method.
func (vm *Vm) lineTableFor(m *method) (*lineTable, error) {
	key := methodKey{refTypeID: m.declaring.id, methodID: m.id}
	if cached, ok := vm.lineTables.Get(key); ok {
		return cached.(*lineTable), nil
	}
	var w wbuf
	w.id(vm.sizes.refType, m.declaring.id)
	w.id(vm.sizes.method, m.id)
	data, err := vm.conn.command(cmdSetMethod, cmdMethodLineTable, w.b)
	if err != nil {
		return nil, err
	}
	r := rbuf{b: data}
	lt := &lineTable{
		start: int64(r.u64()),
		end:   int64(r.u64()),
	}
	n := r.i32()
	for i := 0; i < n; i++ {
		lt.entries = append(lt.entries, lineEntry{
			index: int64(r.u64()),
			line:  r.i32(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	vm.lineTables.Add(key, lt)
	return lt, nil
}

type lineEntry struct {
	index int64
	line  int
}

type lineTable struct {
	start, end int64
	entries    []lineEntry
}

// lineFor returns the source line covering a code index: the entry with
// the greatest index not exceeding ci.
func (lt *lineTable) lineFor(ci int64) int {
	line := -1
	best := int64(-1)
	for _, e := range lt.entries {
		if e.index <= ci && e.index > best {
			best = e.index
			line = e.line
		}
	}
	return line
}

// threadRef implements dwp.ThreadRef over the wire.
type threadRef struct {
	vm *Vm
	id uint64
}

func (t *threadRef) ID() uint64 { return t.id }

func (t *threadRef) Name() (string, error) {
	data, err := t.command(cmdThreadName)
	if err != nil {
		return "", err
	}
	r := rbuf{b: data}
	name := r.str()
	return name, r.err
}

func (t *threadRef) Suspend() error {
	_, err := t.command(cmdThreadSuspend)
	return err
}

func (t *threadRef) Resume() error {
	_, err := t.command(cmdThreadResume)
	return err
}

func (t *threadRef) SuspendCount() (int, error) {
	data, err := t.command(cmdThreadSuspendCount)
	if err != nil {
		return 0, err
	}
	r := rbuf{b: data}
	n := r.i32()
	return n, r.err
}

func (t *threadRef) FrameCount() (int, error) {
	data, err := t.command(cmdThreadFrameCount)
	if err != nil {
		return 0, err
	}
	r := rbuf{b: data}
	n := r.i32()
	return n, r.err
}

func (t *threadRef) Frames(start, length int) ([]dwp.StackFrame, error) {
	var w wbuf
	w.id(t.vm.sizes.object, t.id)
	w.i32(start)
	w.i32(length)
	data, err := t.vm.conn.command(cmdSetThreadRef, cmdThreadFrames, w.b)
	if err != nil {
		return nil, err
	}
	r := rbuf{b: data}
	n := r.i32()
	frames := make([]dwp.StackFrame, 0, n)
	for i := 0; i < n; i++ {
		frameID := r.id(t.vm.sizes.frame)
		loc, decodeErr := t.vm.decodeLocation(&r)
		if decodeErr != nil {
			return nil, decodeErr
		}
		frames = append(frames, &stackFrame{id: frameID, loc: loc})
	}
	return frames, r.err
}

func (t *threadRef) command(cmd byte) ([]byte, error) {
	var w wbuf
	w.id(t.vm.sizes.object, t.id)
	return t.vm.conn.command(cmdSetThreadRef, cmd, w.b)
}

type stackFrame struct {
	id  uint64
	loc dwp.Location
}

func (f *stackFrame) Location() dwp.Location { return f.loc }

// refType implements dwp.ReferenceType over the wire.
type refType struct {
	vm  *Vm
	tag byte
	id  uint64
}

func (rt *refType) UniqueID() uint64 { return rt.id }

func (rt *refType) Signature() (string, error) {
	var w wbuf
	w.id(rt.vm.sizes.refType, rt.id)
	data, err := rt.vm.conn.command(cmdSetReferenceType, cmdRefTypeSignature, w.b)
	if err != nil {
		return "", err
	}
	r := rbuf{b: data}
	sig := r.str()
	return sig, r.err
}

func (rt *refType) Name() (string, error) {
	sig, err := rt.Signature()
	if err != nil {
		return "", err
	}
	return signatureToName(sig), nil
}

func (rt *refType) SourceName() (string, error) {
	var w wbuf
	w.id(rt.vm.sizes.refType, rt.id)
	data, err := rt.vm.conn.command(cmdSetReferenceType, cmdRefTypeSourceFile, w.b)
	if err != nil {
		return "", err
	}
	r := rbuf{b: data}
	name := r.str()
	return name, r.err
}

func (rt *refType) Methods() ([]dwp.Method, error) {
	methods, err := rt.vm.methodsFor(rt)
	if err != nil {
		return nil, err
	}
	out := make([]dwp.Method, len(methods))
	for i, m := range methods {
		out[i] = m
	}
	return out, nil
}

func (rt *refType) AllLineLocations() ([]dwp.Location, error) {
	methods, err := rt.vm.methodsFor(rt)
	if err != nil {
		return nil, err
	}
	var locs []dwp.Location
	for _, m := range methods {
		lt, err := rt.vm.lineTableFor(m)
		if err != nil {
			if err == dwp.ErrAbsentInformation {
				// Abstract and native methods have no line table.
				continue
			}
			return nil, err
		}
		for _, e := range lt.entries {
			locs = append(locs, dwp.Location{
				Type:      rt,
				Method:    m,
				CodeIndex: e.index,
				Line:      e.line,
			})
		}
	}
	return locs, nil
}

func (rt *refType) InvokeStaticMethod(thread dwp.ThreadRef, m dwp.Method, args []dwp.Value, options int) (dwp.Value, error) {
	wm, ok := m.(*method)
	if !ok {
		return nil, fmt.Errorf("method %s does not belong to this connection", m.Name())
	}
	var w wbuf
	w.id(rt.vm.sizes.refType, rt.id)
	w.id(rt.vm.sizes.object, thread.ID())
	w.id(rt.vm.sizes.method, wm.id)
	w.i32(len(args))
	for _, arg := range args {
		switch v := arg.(type) {
		case dwp.IntValue:
			w.u8('I')
			w.u32(uint32(int32(v)))
		case dwp.ThreadValue:
			w.u8('t')
			w.id(rt.vm.sizes.object, v.Thread.ID())
		default:
			return nil, fmt.Errorf("unsupported argument value %T", arg)
		}
	}
	w.i32(options)
	data, err := rt.vm.conn.command(cmdSetClassType, cmdClassTypeInvokeMethod, w.b)
	if err != nil {
		return nil, err
	}
	r := rbuf{b: data}
	value := rt.vm.decodeValue(&r)
	r.u8() // exception tag
	exception := r.id(rt.vm.sizes.object)
	if r.err != nil {
		return nil, r.err
	}
	if exception != 0 {
		return nil, fmt.Errorf("invocation of %s threw in the target vm", wm.name)
	}
	return value, nil
}

func (vm *Vm) decodeValue(r *rbuf) dwp.Value {
	tag := r.u8()
	switch tag {
	case 'I':
		return dwp.IntValue(int32(r.u32()))
	case 't':
		return dwp.ThreadValue{Thread: &threadRef{vm: vm, id: r.id(vm.sizes.object)}}
	case 'V':
		return nil
	default:
		// Object-like values all carry an object id.
		r.id(vm.sizes.object)
		return nil
	}
}

// method implements dwp.Method over the wire.
type method struct {
	vm        *Vm
	declaring *refType
	id        uint64
	name      string
}

func (m *method) Name() string { return m.name }

func (m *method) LocationOfCodeIndex(ci int64) (dwp.Location, error) {
	lt, err := m.vm.lineTableFor(m)
	if err != nil {
		return dwp.Location{}, err
	}
	if ci < lt.start || ci > lt.end {
		return dwp.Location{}, fmt.Errorf("code index %d outside of method %s", ci, m.name)
	}
	return dwp.Location{
		Type:      m.declaring,
		Method:    m,
		CodeIndex: ci,
		Line:      lt.lineFor(ci),
	}, nil
}

// decodeLocation parses a wire location and resolves its method so frame
// walks see real method names.
func (vm *Vm) decodeLocation(r *rbuf) (dwp.Location, error) {
	tag := r.u8()
	classID := r.id(vm.sizes.refType)
	methodID := r.id(vm.sizes.method)
	index := int64(r.u64())
	if r.err != nil {
		return dwp.Location{}, r.err
	}
	rt := &refType{vm: vm, tag: tag, id: classID}
	methods, err := vm.methodsFor(rt)
	if err != nil {
		return dwp.Location{}, err
	}
	var m *method
	for _, cand := range methods {
		if cand.id == methodID {
			m = cand
			break
		}
	}
	if m == nil {
		return dwp.Location{}, fmt.Errorf("no method %d on class %d", methodID, classID)
	}
	line := -1
	if lt, err := vm.lineTableFor(m); err == nil {
		line = lt.lineFor(index)
	}
	return dwp.Location{Type: rt, Method: m, CodeIndex: index, Line: line}, nil
}

func signatureToName(sig string) string {
	s := strings.TrimSuffix(strings.TrimPrefix(sig, "L"), ";")
	return strings.ReplaceAll(s, "/", ".")
}
