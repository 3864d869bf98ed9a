package proc

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

// Classes outside this hierarchy are never tracked: compiled pages of the
// dynamic language all derive from the base page class.
const (
	basePageClassName      = "lucee.runtime.Page"
	basePageClassSignature = "Llucee/runtime/Page;"
)

// KlassMap mirrors one loaded page class: its canonical source path and the
// table mapping source lines to bytecode locations. Multiple mirrors may
// exist under one path when the same file is compiled under several logical
// mappings.
type KlassMap struct {
	path    CanonicalServerPath
	refType dwp.ReferenceType
	lines   map[int]dwp.Location
	id      uint64
}

// newKlassMap builds the mirror for a freshly prepared reference type.
// Classes compiled in memory have no source attribute; for those the error
// wraps dwp.ErrAbsentInformation and the caller skips them quietly.
func newKlassMap(rt dwp.ReferenceType, paths PathResolver) (*KlassMap, error) {
	sourceName, err := rt.SourceName()
	if err != nil {
		return nil, err
	}
	locs, err := rt.AllLineLocations()
	if err != nil {
		return nil, err
	}
	lines := make(map[int]dwp.Location, len(locs))
	for _, loc := range locs {
		// Keep the first location seen per line.
		if _, ok := lines[loc.Line]; !ok {
			lines[loc.Line] = loc
		}
	}
	return &KlassMap{
		path:    paths.CanonicalServerPath(sourceName),
		refType: rt,
		lines:   lines,
		id:      rt.UniqueID(),
	}, nil
}

// Path returns the canonical server path the mirror is registered under.
func (k *KlassMap) Path() CanonicalServerPath { return k.path }

// LineLocation returns the bytecode location for a source line, if the line
// has emitted code.
func (k *KlassMap) LineLocation(line int) (dwp.Location, bool) {
	loc, ok := k.lines[line]
	return loc, ok
}

// Lines returns the source lines with emitted code.
func (k *KlassMap) Lines() []int {
	lines := make([]int, 0, len(k.lines))
	for l := range k.lines {
		lines = append(lines, l)
	}
	return lines
}

// Collected probes whether the underlying class has been unloaded.
func (k *KlassMap) Collected() bool {
	_, err := k.refType.Signature()
	return errors.Is(err, dwp.ErrObjectCollected)
}

// ClassRegistry tracks the page classes loaded in the target VM, keyed by
// canonical server path, and owns the class-prepare subscription.
type ClassRegistry struct {
	vm    dwp.Vm
	erm   dwp.EventRequestManager
	paths PathResolver

	mu     sync.RWMutex
	byPath map[CanonicalServerPath][]*KlassMap

	// One of the two is live at a time: bootstrapReq until the base page
	// class itself is prepared, prepareReq afterwards.
	bootstrapReq dwp.ClassPrepareRequest
	prepareReq   dwp.ClassPrepareRequest
}

func NewClassRegistry(vm dwp.Vm, paths PathResolver) *ClassRegistry {
	return &ClassRegistry{
		vm:     vm,
		erm:    vm.EventRequestManager(),
		paths:  paths,
		byPath: make(map[CanonicalServerPath][]*KlassMap),
	}
}

// install subscribes to preparation of page classes. The base page class
// may not be loaded yet at attach time; in that case a one-shot prepare
// request for the base class itself stands in until it appears.
func (cr *ClassRegistry) install() error {
	unloadReq, err := cr.erm.CreateClassUnloadRequest()
	if err != nil {
		return err
	}
	unloadReq.SetSuspendPolicy(dwp.SuspendNone)
	if err := unloadReq.SetEnabled(true); err != nil {
		return err
	}

	classes, err := cr.vm.ClassesBySignature(basePageClassSignature)
	if err != nil {
		return err
	}
	if len(classes) > 0 {
		return cr.installSubclassFiltered(classes[0])
	}

	req, err := cr.erm.CreateClassPrepareRequest()
	if err != nil {
		return err
	}
	req.AddClassNameFilter(basePageClassName)
	req.AddCountFilter(1)
	req.SetSuspendPolicy(dwp.SuspendEventThread)
	if err := req.SetEnabled(true); err != nil {
		return err
	}
	cr.mu.Lock()
	cr.bootstrapReq = req
	cr.mu.Unlock()
	log.Debug("base page class not loaded yet, installed one-shot prepare request")
	return nil
}

func (cr *ClassRegistry) installSubclassFiltered(base dwp.ReferenceType) error {
	req, err := cr.erm.CreateClassPrepareRequest()
	if err != nil {
		return err
	}
	req.AddSubclassFilter(base)
	req.SetSuspendPolicy(dwp.SuspendEventThread)
	if err := req.SetEnabled(true); err != nil {
		return err
	}
	cr.mu.Lock()
	cr.prepareReq = req
	cr.mu.Unlock()
	return nil
}

// isBootstrap reports whether the given request is the one-shot request for
// the base page class.
func (cr *ClassRegistry) isBootstrap(req dwp.EventRequest) bool {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.bootstrapReq != nil && req == cr.bootstrapReq
}

// finishBootstrap replaces the one-shot base-class request with the
// subclass-filtered subscription.
func (cr *ClassRegistry) finishBootstrap(base dwp.ReferenceType) error {
	cr.mu.Lock()
	req := cr.bootstrapReq
	cr.bootstrapReq = nil
	cr.mu.Unlock()
	if req != nil {
		if err := cr.erm.DeleteEventRequest(req); err != nil {
			return err
		}
	}
	return cr.installSubclassFiltered(base)
}

// addMirror builds and registers the mirror for a prepared page class. A
// nil mirror with nil error means the class was skipped.
func (cr *ClassRegistry) addMirror(rt dwp.ReferenceType) (*KlassMap, error) {
	k, err := newKlassMap(rt, cr.paths)
	if err != nil {
		if errors.Is(err, dwp.ErrAbsentInformation) {
			// In-memory class loaders produce classes with no source
			// attribute; those are ephemeral and expected.
			return nil, nil
		}
		name, _ := rt.Name()
		log.WithFields(logrus.Fields{"class": name, "err": err}).Warn("could not build class mirror, skipping")
		return nil, nil
	}
	cr.mu.Lock()
	cr.byPath[k.path] = append(cr.byPath[k.path], k)
	cr.mu.Unlock()
	log.WithFields(logrus.Fields{"path": k.path, "classID": k.id}).Debug("class mirror registered")
	return k, nil
}

// Mirrors returns the mirror set registered under the given path.
func (cr *ClassRegistry) Mirrors(path CanonicalServerPath) []*KlassMap {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return append([]*KlassMap(nil), cr.byPath[path]...)
}

// RemoveMirror drops a collected mirror from its path set. Reports whether
// any mirrors remain under the path.
func (cr *ClassRegistry) RemoveMirror(path CanonicalServerPath, id uint64) (remaining bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	mirrors := cr.byPath[path]
	kept := mirrors[:0]
	for _, k := range mirrors {
		if k.id != id {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		delete(cr.byPath, path)
		return false
	}
	cr.byPath[path] = kept
	return true
}

// Paths returns all canonical paths with at least one registered mirror.
func (cr *ClassRegistry) Paths() []CanonicalServerPath {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	paths := make([]CanonicalServerPath, 0, len(cr.byPath))
	for p := range cr.byPath {
		paths = append(paths, p)
	}
	return paths
}
