// Package sched implements the switches/states/names visitor of spec
// §4.6: deriving per-thread ThreadStateSlices by fusing sched:sched_switch,
// sched:sched_wakeup and task:task_newtask tracepoints.
package sched

import "github.com/orbitprof/orbit/internal/sys/proc"

// ThreadState is one of the states a thread can occupy (spec glossary).
type ThreadState int

const (
	Runnable ThreadState = iota
	Running
	InterruptibleSleep
	UninterruptibleSleep
	Stopped
	TracingStop
	Dead
	Zombie
	Parked
	Idle
)

func (s ThreadState) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	case InterruptibleSleep:
		return "InterruptibleSleep"
	case UninterruptibleSleep:
		return "UninterruptibleSleep"
	case Stopped:
		return "Stopped"
	case TracingStop:
		return "TracingStop"
	case Dead:
		return "Dead"
	case Zombie:
		return "Zombie"
	case Parked:
		return "Parked"
	case Idle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// fromPrevStateChar maps the Linux task-state character reported by
// sched_switch's prev_state field to a ThreadState.
func fromPrevStateChar(c byte) ThreadState {
	switch c {
	case 'R':
		return Runnable
	case 'S':
		return InterruptibleSleep
	case 'D':
		return UninterruptibleSleep
	case 'T':
		return Stopped
	case 't':
		return TracingStop
	case 'X':
		return Dead
	case 'Z':
		return Zombie
	case 'P':
		return Parked
	case 'I':
		return Idle
	default:
		return UninterruptibleSleep
	}
}

// UnknownBeginNs marks a ThreadStateSlice whose true begin timestamp
// predates the capture (the thread's state before capture start is not
// observed, the thread-state transition scenario's "Running[?..100)").
const UnknownBeginNs int64 = -1

// ThreadStateSlice is one closed interval of a thread occupying a single
// state (spec glossary).
type ThreadStateSlice struct {
	Tid int64
	BeginNs, EndNs int64
	State ThreadState
	WakeupTid *int64
	WakeupPid *int64
}

type openState struct {
	state ThreadState
	sinceNs int64
	wakeupTid *int64
	wakeupPid *int64
}

// Visitor fuses scheduling tracepoints into ThreadStateSlices for the
// threads of one target process (the pid filter).
type Visitor struct {
	targetPid int64
	pidOf map[int64]int64
	open map[int64]openState
	slices []ThreadStateSlice
}

// NewVisitor seeds the tid→pid map by scanning the target process's
// threads at capture start, opening each in state Running
// with an unknown begin timestamp.
func NewVisitor(targetPid int64) (*Visitor, error) {
	tids, err := proc.ListThreads(int(targetPid))
	if err != nil {
		return nil, err
	}
	tids64 := make([]int64, len(tids))
	for i, tid := range tids {
		tids64[i] = int64(tid)
	}
	return NewVisitorWithSeedTids(targetPid, tids64), nil
}

// NewVisitorWithSeedTids is NewVisitor with the target's existing thread
// ids supplied directly, bypassing /proc (used by tests and by callers
// that already enumerated threads for another purpose).
func NewVisitorWithSeedTids(targetPid int64, tids []int64) *Visitor {
	v := &Visitor{
		targetPid: targetPid,
		pidOf: make(map[int64]int64),
		open: make(map[int64]openState),
	}
	for _, tid := range tids {
		v.pidOf[tid] = targetPid
		v.open[tid] = openState{state: Running, sinceNs: UnknownBeginNs}
	}
	return v
}

func (v *Visitor) belongsToTarget(tid int64) bool {
	pid, ok := v.pidOf[tid]
	return ok && pid == v.targetPid
}

func (v *Visitor) closeAndEmit(tid int64, endNs int64) {
	cur, ok := v.open[tid]
	if !ok || !v.belongsToTarget(tid) {
		return
	}
	v.slices = append(v.slices, ThreadStateSlice{
		Tid: tid,
		BeginNs: cur.sinceNs,
		EndNs: endNs,
		State: cur.state,
		WakeupTid: cur.wakeupTid,
		WakeupPid: cur.wakeupPid,
	})
}

// OnTaskNewtask registers tid as a thread of pid, opening Runnable.
func (v *Visitor) OnTaskNewtask(pid, tid, tsNs int64) {
	v.pidOf[tid] = pid
	v.open[tid] = openState{state: Runnable, sinceNs: tsNs}
}

// OnSchedSwitchOut closes tid's currently open state and opens the state
// named by prevStateChar (`sched_switch(out)` closes the
// current open state... and opens a new state derived from prev_state).
func (v *Visitor) OnSchedSwitchOut(tid int64, prevStateChar byte, tsNs int64) {
	v.closeAndEmit(tid, tsNs)
	if !v.belongsToTarget(tid) {
		return
	}
	v.open[tid] = openState{state: fromPrevStateChar(prevStateChar), sinceNs: tsNs}
}

// OnSchedSwitchIn closes tid's Runnable state and opens Running.
func (v *Visitor) OnSchedSwitchIn(tid int64, tsNs int64) {
	v.closeAndEmit(tid, tsNs)
	if !v.belongsToTarget(tid) {
		return
	}
	v.open[tid] = openState{state: Running, sinceNs: tsNs}
}

// OnSchedWakeup closes tid's blocked state and opens Runnable, carrying
// the waker's tid/pid.
func (v *Visitor) OnSchedWakeup(tid int64, wakerTid, wakerPid int64, tsNs int64) {
	v.closeAndEmit(tid, tsNs)
	if !v.belongsToTarget(tid) {
		return
	}
	v.open[tid] = openState{state: Runnable, sinceNs: tsNs, wakeupTid: &wakerTid, wakeupPid: &wakerPid}
}

// OnExit retains tid's pid mapping ("retained until the state
// is flushed, to allow attribution of the last slice") but callers
// should no longer feed events for it after this.
func (v *Visitor) OnExit(tid int64) {}

// Finish closes every still-open state at captureEndNs and returns every
// ThreadStateSlice emitted over the visitor's lifetime, in emission
// order ("On capture finish, every still-open state is
// closed... and emitted").
func (v *Visitor) Finish(captureEndNs int64) []ThreadStateSlice {
	for tid := range v.open {
		v.closeAndEmit(tid, captureEndNs)
		delete(v.open, tid)
	}
	return v.slices
}

// Slices returns every ThreadStateSlice emitted so far without closing
// any open state.
func (v *Visitor) Slices() []ThreadStateSlice { return v.slices }
