package proc

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

// How often the registry sweeps for entries whose native thread has been
// collected in the target VM.
const threadSweepInterval = 1 * time.Second

// UnknownThreadError is returned when a lookup references a thread the
// registry no longer knows about. The client referencing such a thread is a
// protocol error; callers treat it as non-recoverable.
type UnknownThreadError struct {
	ID DwpThreadID
}

func (ute UnknownThreadError) Error() string {
	return fmt.Sprintf("no known thread with dwp id %d", ute.ID)
}

type threadEntry struct {
	native NativeThread
	ref    dwp.ThreadRef
}

// ThreadRegistry maintains the bidirectional mapping between wire-protocol
// thread ids, native thread handles and thread references. Entries are
// created on thread-start events and removed on thread-death events or when
// the native thread is collected.
type ThreadRegistry struct {
	mu          sync.RWMutex
	byID        map[DwpThreadID]*threadEntry
	refByNative map[NativeThread]dwp.ThreadRef

	stop chan struct{}
	once sync.Once
}

func NewThreadRegistry() *ThreadRegistry {
	tr := &ThreadRegistry{
		byID:        make(map[DwpThreadID]*threadEntry),
		refByNative: make(map[NativeThread]dwp.ThreadRef),
		stop:        make(chan struct{}),
	}
	go tr.sweepLoop()
	return tr
}

// Register adds the triple for a newly started thread. Replaces any stale
// entry under the same id.
func (tr *ThreadRegistry) Register(native NativeThread, ref dwp.ThreadRef) {
	id := DwpThreadID(ref.ID())
	tr.mu.Lock()
	if old, ok := tr.byID[id]; ok {
		delete(tr.refByNative, old.native)
	}
	tr.byID[id] = &threadEntry{native: native, ref: ref}
	tr.refByNative[native] = ref
	tr.mu.Unlock()
	log.WithFields(logrus.Fields{"threadID": id}).Debug("thread registered")
}

// Unregister removes the entry for the given thread reference.
func (tr *ThreadRegistry) Unregister(ref dwp.ThreadRef) {
	id := DwpThreadID(ref.ID())
	tr.mu.Lock()
	if entry, ok := tr.byID[id]; ok {
		delete(tr.refByNative, entry.native)
		delete(tr.byID, id)
	}
	tr.mu.Unlock()
	log.WithFields(logrus.Fields{"threadID": id}).Debug("thread unregistered")
}

// NativeByID returns the live native thread handle for the given id.
func (tr *ThreadRegistry) NativeByID(id DwpThreadID) (NativeThread, error) {
	tr.mu.RLock()
	entry, ok := tr.byID[id]
	tr.mu.RUnlock()
	if !ok || entry.native.Collected() {
		return nil, UnknownThreadError{ID: id}
	}
	return entry.native, nil
}

// RefByID returns the thread reference for the given id.
func (tr *ThreadRegistry) RefByID(id DwpThreadID) (dwp.ThreadRef, error) {
	tr.mu.RLock()
	entry, ok := tr.byID[id]
	tr.mu.RUnlock()
	if !ok {
		return nil, UnknownThreadError{ID: id}
	}
	return entry.ref, nil
}

// RefByNative returns the thread reference registered for the given native
// thread handle.
func (tr *ThreadRegistry) RefByNative(native NativeThread) (dwp.ThreadRef, error) {
	tr.mu.RLock()
	ref, ok := tr.refByNative[native]
	tr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no thread reference for native thread %v", native)
	}
	return ref, nil
}

// All returns the currently registered thread references.
func (tr *ThreadRegistry) All() []dwp.ThreadRef {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	refs := make([]dwp.ThreadRef, 0, len(tr.byID))
	for _, entry := range tr.byID {
		refs = append(refs, entry.ref)
	}
	return refs
}

// Close stops the sweeper.
func (tr *ThreadRegistry) Close() {
	tr.once.Do(func() { close(tr.stop) })
}

// The native side of an entry stands in for a weak reference: once the
// target VM collects the thread object the entry must disappear, even if no
// thread-death event was observed. The sweeper prunes such entries
// asynchronously.
func (tr *ThreadRegistry) sweepLoop() {
	ticker := time.NewTicker(threadSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tr.stop:
			return
		case <-ticker.C:
			tr.sweep()
		}
	}
}

func (tr *ThreadRegistry) sweep() {
	var dead []DwpThreadID
	tr.mu.RLock()
	for id, entry := range tr.byID {
		if entry.native.Collected() {
			dead = append(dead, id)
		}
	}
	tr.mu.RUnlock()
	if len(dead) == 0 {
		return
	}
	tr.mu.Lock()
	for _, id := range dead {
		if entry, ok := tr.byID[id]; ok && entry.native.Collected() {
			delete(tr.refByNative, entry.native)
			delete(tr.byID, id)
		}
	}
	tr.mu.Unlock()
	log.WithFields(logrus.Fields{"count": len(dead)}).Debug("swept collected threads")
}
