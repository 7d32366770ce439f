package sampling

import (
	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/tracer/unwind"
)

// CallTreeNode is one node of a top-down or bottom-up call tree (spec
// §4.11 step 5). UnwindErrorType is only meaningful when
// IsUnwindErrorBranch is true, distinguishing the synthetic branch by
// the CallstackType that produced it.
type CallTreeNode struct {
	FunctionAddress uint64
	IsRoot bool

	IsUnwindErrorBranch bool
	UnwindErrorType unwind.CallstackType

	SampleCount uint64
	Children map[uint64]*CallTreeNode

	// ExclusiveEvents are the CallstackEvents counted exclusively at
	// this node ("a list of CallstackEvents counted
	// exclusively at that node").
	ExclusiveEvents []capture.CallstackEvent
}

func newCallTreeNode(functionAddress uint64) *CallTreeNode {
	return &CallTreeNode{FunctionAddress: functionAddress, Children: make(map[uint64]*CallTreeNode)}
}

func (n *CallTreeNode) child(functionAddress uint64) *CallTreeNode {
	c, ok := n.Children[functionAddress]
	if !ok {
		c = newCallTreeNode(functionAddress)
		n.Children[functionAddress] = c
	}
	return c
}

func (n *CallTreeNode) errorChild(t unwind.CallstackType) *CallTreeNode {
	key := unwindErrorNodeKey(t)
	c, ok := n.Children[key]
	if !ok {
		c = newCallTreeNode(key)
		c.IsUnwindErrorBranch = true
		c.UnwindErrorType = t
		n.Children[key] = c
	}
	return c
}

// unwindErrorNodeKey gives each synthetic unwind-error branch a key
// outside the address space real function addresses occupy in practice
// for a profiled userspace binary (the top few bits are never set by a
// canonical x86_64 user address).
func unwindErrorNodeKey(t unwind.CallstackType) uint64 {
	return 0xE000000000000000 | uint64(t)
}

// BuildTopDown builds the top-down call tree of step 5: for
// each sample, walk resolved frames outermost-first from root, creating
// one child per unique resolved function address at each level, and tally
// sample_count along the walked path. Non-Complete callstacks contribute
// only their single (innermost) resolved frame, parented under a
// synthetic UnwindErrorType branch at the root.
func (d *PostProcessedSamplingData) BuildTopDown(data *capture.Data, tid TID) *CallTreeNode {
	root := newCallTreeNode(0)
	root.IsRoot = true

	callstacks := data.Callstacks.GetUniqueCallstacksCopy()
	for _, ev := range data.Callstacks.Events() {
		if TID(ev.Tid) != tid {
			continue
		}
		cs, ok := callstacks[ev.CallstackID]
		if !ok {
			continue
		}
		resolved, ok := d.idToResolvedCallstack[ev.CallstackID]
		if !ok {
			continue
		}
		root.SampleCount++
		addTopDownPath(root, resolved, unwind.CallstackType(cs.Type), ev)
	}
	return root
}

func addTopDownPath(root *CallTreeNode, resolved ResolvedCallstack, callstackType unwind.CallstackType, ev capture.CallstackEvent) {
	if len(resolved.Frames) == 0 {
		return
	}

	node := root
	if callstackType != unwind.Complete {
		node = root.errorChild(callstackType)
		node.SampleCount++
		node = node.child(resolved.Frames[0])
		node.SampleCount++
		node.ExclusiveEvents = append(node.ExclusiveEvents, ev)
		return
	}

	// Outermost-first: resolved.Frames is innermost-first, so walk it
	// in reverse.
	for i := len(resolved.Frames) - 1; i >= 0; i-- {
		node = node.child(resolved.Frames[i])
		node.SampleCount++
	}
	node.ExclusiveEvents = append(node.ExclusiveEvents, ev)
}

// BuildBottomUp builds the bottom-up call tree of step 5: the
// root's children are innermost (leaf) addresses, and each node's
// children are its callers, the mirror image of BuildTopDown.
func (d *PostProcessedSamplingData) BuildBottomUp(data *capture.Data, tid TID) *CallTreeNode {
	root := newCallTreeNode(0)
	root.IsRoot = true

	callstacks := data.Callstacks.GetUniqueCallstacksCopy()
	for _, ev := range data.Callstacks.Events() {
		if TID(ev.Tid) != tid {
			continue
		}
		cs, ok := callstacks[ev.CallstackID]
		if !ok {
			continue
		}
		resolved, ok := d.idToResolvedCallstack[ev.CallstackID]
		if !ok {
			continue
		}
		root.SampleCount++
		addBottomUpPath(root, resolved, unwind.CallstackType(cs.Type), ev)
	}
	return root
}

func addBottomUpPath(root *CallTreeNode, resolved ResolvedCallstack, callstackType unwind.CallstackType, ev capture.CallstackEvent) {
	if len(resolved.Frames) == 0 {
		return
	}

	if callstackType != unwind.Complete {
		node := root.errorChild(callstackType)
		node.SampleCount++
		node = node.child(resolved.Frames[0])
		node.SampleCount++
		node.ExclusiveEvents = append(node.ExclusiveEvents, ev)
		return
	}

	node := root
	for _, addr := range resolved.Frames {
		node = node.child(addr)
		node.SampleCount++
	}
	node.ExclusiveEvents = append(node.ExclusiveEvents, ev)
}
