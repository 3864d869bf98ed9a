package proc

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/dwp"
)

// Client-side properties attached to breakpoint requests.
const (
	propWorkerAck    = "luceedebug.workerAck"
	propBreakpointID = "luceedebug.breakpointID"
	propCondition    = "luceedebug.condition"
)

// ReplayableCfBreakpointRequest is a persistent user breakpoint
// description. It survives class loading and unloading: while no class
// mirror exists for its path the record is unbound, and each prepare of a
// matching class replays it against the new mirror. Identity is
// (ServerPath, Line); the installed wire requests are not part of identity.
type ReplayableCfBreakpointRequest struct {
	IdePath    RawIdePath
	ServerPath CanonicalServerPath
	Line       int
	ID         DapBreakpointID
	Expr       string

	// One installed request per mirror the line bound against. Empty while
	// the record is unbound.
	reqs []dwp.BreakpointRequest
}

// Bound reports whether the record has at least one installed request.
func (r *ReplayableCfBreakpointRequest) Bound() bool {
	return len(r.reqs) > 0
}

// BreakpointTable owns the replayable breakpoint records and the wire
// requests installed for them.
type BreakpointTable struct {
	erm     dwp.EventRequestManager
	klasses *ClassRegistry

	mu     sync.Mutex
	byPath map[CanonicalServerPath]map[int]*ReplayableCfBreakpointRequest

	// Breakpoint id assignment per (path, line). Deliberately never purged:
	// clearing and re-setting the same line must yield the same id.
	ids       map[CanonicalServerPath]map[int]DapBreakpointID
	idCounter int
}

func NewBreakpointTable(erm dwp.EventRequestManager, klasses *ClassRegistry) *BreakpointTable {
	return &BreakpointTable{
		erm:     erm,
		klasses: klasses,
		byPath:  make(map[CanonicalServerPath]map[int]*ReplayableCfBreakpointRequest),
		ids:     make(map[CanonicalServerPath]map[int]DapBreakpointID),
	}
}

// BindBreakpoints replaces the breakpoints for a source path. It returns
// one result per input line, in input order, each verified or not. A line
// that already had a record keeps its breakpoint id; new lines get fresh
// ids from a monotonic counter.
//
// When several mirrors share the path the returned list reflects the last
// mirror processed; any one mapping's view is as good as another's because
// all mirrors under a key were compiled from the same source bytes.
func (bt *BreakpointTable) BindBreakpoints(ide RawIdePath, server CanonicalServerPath, lines []int, exprs []string) []dap.Breakpoint {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.bindLocked(ide, server, lines, exprs)
}

func (bt *BreakpointTable) bindLocked(ide RawIdePath, server CanonicalServerPath, lines []int, exprs []string) []dap.Breakpoint {
	records := make([]*ReplayableCfBreakpointRequest, len(lines))
	pathIDs := bt.ids[server]
	if pathIDs == nil {
		pathIDs = make(map[int]DapBreakpointID)
		bt.ids[server] = pathIDs
	}
	for i, line := range lines {
		var expr string
		if i < len(exprs) {
			expr = exprs[i]
		}
		rec := &ReplayableCfBreakpointRequest{
			IdePath:    ide,
			ServerPath: server,
			Line:       line,
			Expr:       expr,
		}
		if id, ok := pathIDs[line]; ok {
			rec.ID = id
		} else {
			bt.idCounter++
			rec.ID = DapBreakpointID(bt.idCounter)
			pathIDs[line] = rec.ID
		}
		records[i] = rec
	}

	mirrors := bt.klasses.Mirrors(server)
	if len(mirrors) == 0 {
		// Nothing to bind against yet; store everything as pending.
		bt.storeRecordsLocked(server, records)
		return unboundResults(records)
	}

	// Clear existing requests for the path first so the operation is
	// idempotent, then bind each line against each mirror.
	bt.clearPathLocked(server)
	bt.storeRecordsLocked(server, records)

	var (
		results   []dap.Breakpoint
		collected []*KlassMap
	)
	for _, k := range mirrors {
		res, err := bt.bindMirrorLocked(k, records)
		if err != nil {
			if errors.Is(err, dwp.ErrObjectCollected) {
				collected = append(collected, k)
				continue
			}
			log.WithFields(logrus.Fields{"path": server, "err": err}).Warn("binding against mirror failed")
			continue
		}
		results = res
	}

	for _, k := range collected {
		if remaining := bt.klasses.RemoveMirror(server, k.id); !remaining {
			// The path has no live class anymore; its records go with it.
			delete(bt.byPath, server)
		}
		log.WithFields(logrus.Fields{"path": server, "classID": k.id}).Debug("dropped collected class mirror")
	}

	if results == nil {
		results = unboundResults(records)
	}
	return results
}

// bindMirrorLocked binds every record against one mirror. Returns
// dwp.ErrObjectCollected if the mirror's class was collected mid-bind.
func (bt *BreakpointTable) bindMirrorLocked(k *KlassMap, records []*ReplayableCfBreakpointRequest) ([]dap.Breakpoint, error) {
	results := make([]dap.Breakpoint, len(records))
	for i, rec := range records {
		loc, ok := k.LineLocation(rec.Line)
		if !ok {
			results[i] = breakpointResult(rec, false)
			continue
		}
		req, err := bt.erm.CreateBreakpointRequest(loc)
		if err != nil {
			return nil, err
		}
		req.SetSuspendPolicy(dwp.SuspendEventThread)
		req.PutProperty(propBreakpointID, rec.ID)
		if rec.Expr != "" {
			req.PutProperty(propCondition, rec.Expr)
		}
		if err := req.SetEnabled(true); err != nil {
			return nil, err
		}
		rec.reqs = append(rec.reqs, req)
		results[i] = breakpointResult(rec, true)
	}
	return results, nil
}

func (bt *BreakpointTable) storeRecordsLocked(server CanonicalServerPath, records []*ReplayableCfBreakpointRequest) {
	m := make(map[int]*ReplayableCfBreakpointRequest, len(records))
	for _, rec := range records {
		m[rec.Line] = rec
	}
	bt.byPath[server] = m
}

// RebindPath replays the records for a path after a new mirror appeared.
// It returns the records whose bound state transitioned, for the
// breakpoints-changed notification. The caller must have registered the
// new mirror before calling; ordering guarantees depend on it.
func (bt *BreakpointTable) RebindPath(server CanonicalServerPath) []dap.Breakpoint {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	existing := bt.byPath[server]
	if len(existing) == 0 {
		return nil
	}

	var (
		ide         RawIdePath
		lines       []int
		exprs       []string
		boundBefore = make(map[int]bool, len(existing))
	)
	for line, rec := range existing {
		lines = append(lines, line)
		boundBefore[line] = rec.Bound()
		ide = rec.IdePath
	}
	sort.Ints(lines)
	for _, line := range lines {
		exprs = append(exprs, existing[line].Expr)
	}

	bt.bindLocked(ide, server, lines, exprs)

	var changed []dap.Breakpoint
	for _, line := range lines {
		rec, ok := bt.byPath[server][line]
		if !ok {
			continue
		}
		if rec.Bound() != boundBefore[line] {
			changed = append(changed, breakpointResult(rec, rec.Bound()))
		}
	}
	return changed
}

// ClearPath removes all records for a path and deletes their installed
// requests from the VM.
func (bt *BreakpointTable) ClearPath(server CanonicalServerPath) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.clearPathLocked(server)
}

func (bt *BreakpointTable) clearPathLocked(server CanonicalServerPath) {
	records := bt.byPath[server]
	if records == nil {
		return
	}
	var reqs []dwp.EventRequest
	for _, rec := range records {
		for _, r := range rec.reqs {
			reqs = append(reqs, r)
		}
		rec.reqs = nil
	}
	if len(reqs) > 0 {
		if err := bt.erm.DeleteEventRequests(reqs); err != nil {
			log.WithFields(logrus.Fields{"path": server, "err": err}).Warn("could not delete breakpoint requests")
		}
	}
	delete(bt.byPath, server)
}

// ClearAll removes every record and every breakpoint request on the VM.
func (bt *BreakpointTable) ClearAll() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	for path, records := range bt.byPath {
		for _, rec := range records {
			rec.reqs = nil
		}
		delete(bt.byPath, path)
	}
	if err := bt.erm.DeleteAllBreakpoints(); err != nil {
		log.WithFields(logrus.Fields{"err": err}).Warn("could not delete all breakpoints on the vm")
	}
}

// Records returns copies of all current records, for diagnostics.
func (bt *BreakpointTable) Records() []ReplayableCfBreakpointRequest {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	var out []ReplayableCfBreakpointRequest
	for _, records := range bt.byPath {
		for _, rec := range records {
			c := *rec
			c.reqs = append([]dwp.BreakpointRequest(nil), rec.reqs...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerPath != out[j].ServerPath {
			return out[i].ServerPath < out[j].ServerPath
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func breakpointResult(rec *ReplayableCfBreakpointRequest, verified bool) dap.Breakpoint {
	bp := dap.Breakpoint{
		Id:       int(rec.ID),
		Verified: verified,
		Line:     rec.Line,
	}
	if !verified {
		bp.Message = "no executable code at line"
	}
	return bp
}

func unboundResults(records []*ReplayableCfBreakpointRequest) []dap.Breakpoint {
	results := make([]dap.Breakpoint, len(records))
	for i, rec := range records {
		results[i] = breakpointResult(rec, false)
	}
	return results
}
