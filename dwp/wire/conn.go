// Package wire implements the subset of the target VM's wire debug
// protocol that the engine issues: handshake, packet framing with reply
// correlation, and the commands behind the interfaces in package dwp.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

var log = logrus.StandardLogger().WithField("layer", "dwp")

const handshake = "JDWP-Handshake"

const (
	flagReply = 0x80

	headerLength = 11
)

// Command sets and commands.
const (
	cmdSetVirtualMachine = 1
	cmdSetReferenceType  = 2
	cmdSetClassType      = 3
	cmdSetMethod         = 6
	cmdSetThreadRef      = 11
	cmdSetEventRequest   = 15
	cmdSetEvent          = 64

	cmdVmVersion            = 1
	cmdVmClassesBySignature = 2
	cmdVmAllThreads         = 4
	cmdVmDispose            = 6
	cmdVmIDSizes            = 7
	cmdVmResume             = 9

	cmdRefTypeSignature  = 1
	cmdRefTypeMethods    = 5
	cmdRefTypeSourceFile = 7

	cmdClassTypeInvokeMethod = 3

	cmdMethodLineTable = 1

	cmdThreadName         = 1
	cmdThreadSuspend      = 2
	cmdThreadResume       = 3
	cmdThreadFrames       = 6
	cmdThreadFrameCount   = 7
	cmdThreadSuspendCount = 12

	cmdEventRequestSet                 = 1
	cmdEventRequestClear               = 2
	cmdEventRequestClearAllBreakpoints = 3

	cmdEventComposite = 100
)

// Wire error codes the client cares about.
const (
	errNone              = 0
	errInvalidThread     = 10
	errInvalidObject     = 20
	errAbsentInformation = 101
	errVmDead            = 112
)

// CommandError is a wire error code the client has no specific mapping for.
type CommandError struct {
	Code uint16
	Set  byte
	Cmd  byte
}

func (ce CommandError) Error() string {
	return fmt.Sprintf("command %d/%d failed with error code %d", ce.Set, ce.Cmd, ce.Code)
}

func codeToErr(code uint16, set, cmd byte) error {
	switch code {
	case errNone:
		return nil
	case errInvalidThread, errInvalidObject:
		return dwp.ErrObjectCollected
	case errAbsentInformation:
		return dwp.ErrAbsentInformation
	case errVmDead:
		return dwp.ErrVmDisconnected
	}
	return CommandError{Code: code, Set: set, Cmd: cmd}
}

type reply struct {
	errCode uint16
	data    []byte
}

// conn owns the socket to the target VM: it matches replies to commands by
// packet id and hands composite event payloads to the queue decoder.
type conn struct {
	c net.Conn

	writeMu sync.Mutex
	nextID  uint32

	mu      sync.Mutex
	pending map[uint32]chan reply

	composites chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func newConn(c net.Conn) (*conn, error) {
	if _, err := c.Write([]byte(handshake)); err != nil {
		return nil, err
	}
	buf := make([]byte, len(handshake))
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	if string(buf) != handshake {
		return nil, fmt.Errorf("unexpected handshake reply %q", buf)
	}
	cn := &conn{
		c:          c,
		pending:    make(map[uint32]chan reply),
		composites: make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	go cn.readLoop()
	return cn, nil
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		close(cn.done)
		cn.c.Close()
	})
}

func (cn *conn) readLoop() {
	defer func() {
		cn.close()
		close(cn.composites)
		cn.mu.Lock()
		for id, ch := range cn.pending {
			delete(cn.pending, id)
			close(ch)
		}
		cn.mu.Unlock()
	}()

	header := make([]byte, headerLength)
	for {
		if _, err := io.ReadFull(cn.c, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		if length < headerLength {
			log.WithFields(logrus.Fields{"length": length}).Error("malformed packet")
			return
		}
		data := make([]byte, length-headerLength)
		if _, err := io.ReadFull(cn.c, data); err != nil {
			return
		}
		id := binary.BigEndian.Uint32(header[4:8])
		flags := header[8]
		if flags&flagReply != 0 {
			errCode := binary.BigEndian.Uint16(header[9:11])
			cn.mu.Lock()
			ch, ok := cn.pending[id]
			delete(cn.pending, id)
			cn.mu.Unlock()
			if ok {
				ch <- reply{errCode: errCode, data: data}
			}
			continue
		}
		set, cmd := header[9], header[10]
		if set == cmdSetEvent && cmd == cmdEventComposite {
			select {
			case cn.composites <- data:
			case <-cn.done:
				return
			}
			continue
		}
		log.WithFields(logrus.Fields{"set": set, "cmd": cmd}).Warn("ignoring unsolicited command packet")
	}
}

// command issues one command and blocks for its reply.
func (cn *conn) command(set, cmd byte, out []byte) ([]byte, error) {
	id := atomic.AddUint32(&cn.nextID, 1)
	ch := make(chan reply, 1)
	cn.mu.Lock()
	cn.pending[id] = ch
	cn.mu.Unlock()

	packet := make([]byte, headerLength+len(out))
	binary.BigEndian.PutUint32(packet[0:4], uint32(len(packet)))
	binary.BigEndian.PutUint32(packet[4:8], id)
	packet[8] = 0
	packet[9] = set
	packet[10] = cmd
	copy(packet[headerLength:], out)

	cn.writeMu.Lock()
	_, err := cn.c.Write(packet)
	cn.writeMu.Unlock()
	if err != nil {
		cn.mu.Lock()
		delete(cn.pending, id)
		cn.mu.Unlock()
		return nil, dwp.ErrVmDisconnected
	}

	r, ok := <-ch
	if !ok {
		return nil, dwp.ErrVmDisconnected
	}
	if err := codeToErr(r.errCode, set, cmd); err != nil {
		return nil, err
	}
	return r.data, nil
}

// idSizes holds the per-VM sizes of wire identifiers.
type idSizes struct {
	field   int
	method  int
	object  int
	refType int
	frame   int
}

// wbuf builds command payloads.
type wbuf struct {
	b []byte
}

func (w *wbuf) u8(v byte)    { w.b = append(w.b, v) }
func (w *wbuf) u16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *wbuf) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *wbuf) u64(v uint64) { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *wbuf) i32(v int)    { w.u32(uint32(v)) }
func (w *wbuf) str(s string) { w.u32(uint32(len(s))); w.b = append(w.b, s...) }

func (w *wbuf) id(size int, v uint64) {
	for i := size - 1; i >= 0; i-- {
		w.b = append(w.b, byte(v>>(uint(i)*8)))
	}
}

// rbuf parses reply payloads. Reads past the end set err and return zero
// values; callers check err once at the end.
type rbuf struct {
	b   []byte
	off int
	err error
}

func (r *rbuf) fail() {
	if r.err == nil {
		r.err = io.ErrUnexpectedEOF
	}
}

func (r *rbuf) u8() byte {
	if r.off+1 > len(r.b) {
		r.fail()
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *rbuf) u16() uint16 {
	if r.off+2 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *rbuf) u32() uint32 {
	if r.off+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *rbuf) u64() uint64 {
	if r.off+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *rbuf) i32() int { return int(int32(r.u32())) }

func (r *rbuf) str() string {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.b) {
		r.fail()
		return ""
	}
	v := string(r.b[r.off : r.off+n])
	r.off += n
	return v
}

func (r *rbuf) id(size int) uint64 {
	if r.off+size > len(r.b) {
		r.fail()
		return 0
	}
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(r.b[r.off+i])
	}
	r.off += size
	return v
}
