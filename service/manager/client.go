// Package manager implements the bridge to the debug manager injected
// into the target VM, over the helper's JSON-RPC control socket.
package manager

import (
	"errors"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/sirupsen/logrus"

	"github.com/dawesi/luceedebug/proc"
)

var log = logrus.StandardLogger().WithField("layer", "manager")

// Client is an RPC proc.DebugManager and proc.CoreInject. All calls are
// synchronous.
type Client struct {
	addr   string
	client *rpc.Client
}

// Ensure the implementation satisfies the interfaces.
var _ proc.DebugManager = &Client{}
var _ proc.CoreInject = &Client{}

// NewClient connects to the helper's control socket.
func NewClient(addr string) (*Client, error) {
	client, err := jsonrpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		addr:   addr,
		client: client,
	}, nil
}

// Close tears down the control connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// nativeThread is an opaque handle to a thread object held by the helper.
type nativeThread struct {
	c      *Client
	Handle int64
}

func (n *nativeThread) Collected() bool {
	var collected bool
	if err := n.c.call("ThreadCollected", n.Handle, &collected); err != nil {
		// If the bridge is down we cannot tell; keep the entry.
		return false
	}
	return collected
}

func handleOf(native proc.NativeThread) int64 {
	return native.(*nativeThread).Handle
}

func (c *Client) handlesOf(natives []proc.NativeThread) []int64 {
	handles := make([]int64, len(natives))
	for i, n := range natives {
		handles[i] = handleOf(n)
	}
	return handles
}

func (c *Client) GetCfStack(native proc.NativeThread) ([]proc.DebugFrame, error) {
	var frames []proc.DebugFrame
	err := c.call("GetCfStack", handleOf(native), &frames)
	return frames, err
}

func (c *Client) GetScopesForFrame(frameID int) ([]proc.DebugEntity, error) {
	var scopes []proc.DebugEntity
	err := c.call("GetScopesForFrame", frameID, &scopes)
	return scopes, err
}

// VariablesArgs names a variables request over the bridge.
type VariablesArgs struct {
	ID   int
	Kind int
}

func (c *Client) GetVariables(id int, kind proc.VariablesKind) ([]proc.DebugEntity, error) {
	var vars []proc.DebugEntity
	err := c.call("GetVariables", &VariablesArgs{ID: id, Kind: int(kind)}, &vars)
	return vars, err
}

// StepNotification is one step callback delivered through the long poll.
type StepNotification struct {
	Handle         int64
	MinFrameOffset int
}

// RegisterCfStepHandler starts the long-poll loop that turns bridge-side
// step notifications into engine callbacks. The loop ends when the
// connection drops.
func (c *Client) RegisterCfStepHandler(fn proc.StepHandler) {
	go func() {
		for {
			var note StepNotification
			if err := c.call("PollStepNotification", struct{}{}, &note); err != nil {
				log.WithFields(logrus.Fields{"err": err}).Info("step notification poll ended")
				return
			}
			fn(&nativeThread{c: c, Handle: note.Handle}, note.MinFrameOffset)
		}
	}()
}

// StepRequestArgs names a step request over the bridge.
type StepRequestArgs struct {
	Handle int64
	Kind   string
}

func (c *Client) RegisterStepRequest(native proc.NativeThread, kind proc.StepKind) error {
	return c.call("RegisterStepRequest", &StepRequestArgs{Handle: handleOf(native), Kind: kind.String()}, nil)
}

func (c *Client) ClearStepRequest(native proc.NativeThread) {
	if err := c.call("ClearStepRequest", handleOf(native), nil); err != nil {
		log.WithFields(logrus.Fields{"err": err}).Warn("could not clear step request")
	}
}

// ConditionArgs names a conditional breakpoint evaluation over the bridge.
type ConditionArgs struct {
	Handle int64
	Expr   string
}

func (c *Client) EvaluateAsBooleanForConditionalBreakpoint(native proc.NativeThread, expr string) (bool, error) {
	var result bool
	err := c.call("EvaluateAsBooleanForConditionalBreakpoint", &ConditionArgs{Handle: handleOf(native), Expr: expr}, &result)
	return result, err
}

// DumpArgs names a dump request over the bridge.
type DumpArgs struct {
	Handles []int64
	VarRef  int
}

func (c *Client) DoDump(natives []proc.NativeThread, varRef int) (string, error) {
	var html string
	err := c.call("DoDump", &DumpArgs{Handles: c.handlesOf(natives), VarRef: varRef}, &html)
	return html, err
}

func (c *Client) DoDumpAsJSON(natives []proc.NativeThread, varRef int) (string, error) {
	var out string
	err := c.call("DoDumpAsJSON", &DumpArgs{Handles: c.handlesOf(natives), VarRef: varRef}, &out)
	return out, err
}

func (c *Client) GetSourcePathForVariablesRef(varRef int) (string, error) {
	var path string
	err := c.call("GetSourcePathForVariablesRef", varRef, &path)
	return path, err
}

// EvaluateArgs names an expression evaluation over the bridge.
type EvaluateArgs struct {
	FrameID int
	Expr    string
}

// evaluateReply carries either a result or a bridge-side failure message.
type evaluateReply struct {
	Value              string
	VariablesReference int
	Error              string
}

func (c *Client) Evaluate(frameID int, expr string) (*proc.EvalResult, error) {
	var reply evaluateReply
	if err := c.call("Evaluate", &EvaluateArgs{FrameID: frameID, Expr: expr}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return &proc.EvalResult{Value: reply.Value, VariablesReference: reply.VariablesReference}, nil
}

func (c *Client) EnsureWorkerLoaded() error {
	return c.call("EnsureWorkerLoaded", struct{}{}, nil)
}

func (c *Client) SpawnWorker() error {
	return c.call("SpawnWorker", struct{}{}, nil)
}

func (c *Client) TakeNativeThread(key int32) (proc.NativeThread, bool) {
	var handle int64
	if err := c.call("TakeNativeThread", key, &handle); err != nil || handle == 0 {
		return nil, false
	}
	return &nativeThread{c: c, Handle: handle}, true
}

func (c *Client) call(method string, args, reply interface{}) error {
	return c.client.Call("DebugManager."+method, args, reply)
}
