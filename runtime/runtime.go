// Package runtime replays a compiled cascade the way the NPU control unit
// would, to check that its command queues can always make progress.
//
// The engine runs one worker goroutine per command queue. Workers share the
// hardware progress counters: a WaitForCounter blocks its worker until the
// named counter reaches the value, and every work command increments the
// counter of the engine that performs it. Work commands complete
// immediately, so the simulation explores the most eager ordering the
// hardware could take.
//
// Checks performed:
//   - every command refers to an existing agent of the matching role
//   - waits on one counter never go backwards within a queue
//   - every wait is reachable, i.e. the queues increment its counter at
//     least that many times in total
//   - the queues drain without deadlock
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/logging"
	"github.com/sbl8/cascade/scheduler"
	"github.com/sbl8/cascade/stream"
)

var (
	ErrDeadlock          = errors.New("every remaining queue is blocked on a counter")
	ErrNonMonotonicWait  = errors.New("wait value decreases within a queue")
	ErrUnreachableWait   = errors.New("wait value is never reached")
	ErrAgentMismatch     = errors.New("command does not match its agent")
	ErrUnknownAgent      = errors.New("command refers to a missing agent")
	errNothingToSimulate = errors.New("no cascade to simulate")
)

// Event is one executed command.
type Event struct {
	Queue stream.Queue
	Index int
	Type  stream.CommandType
	// Agent is the agent the command acts for; waits have none.
	Agent    uint32
	HasAgent bool
	// Counter and Value are the counter a work command incremented and its
	// new value, or the counter and target of a wait.
	Counter    stream.CounterName
	Value      uint32
	HasCounter bool
}

// ExecutionStats summarises one simulation.
type ExecutionStats struct {
	Commands [stream.NumQueues]int
	Waits    [stream.NumQueues]int
	// WorkCommands counts, per agent, the commands that complete a stripe.
	// A stripe moved in several DMA chunks counts once per chunk.
	WorkCommands []int
	Counters     [stream.NumCounters]uint32
}

// EngineOptions configures the simulator.
type EngineOptions struct {
	Logger logging.Logger
	// Trace records every executed command in Result.Events.
	Trace bool
}

// Result is the outcome of a successful simulation.
type Result struct {
	Stats  ExecutionStats
	Events []Event
}

// Engine simulates one cascade.
type Engine struct {
	cascade *stream.Cascade
	opts    EngineOptions
	log     logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	counters [stream.NumCounters]uint32
	active   int
	pending  [stream.NumQueues]*stream.WaitForCounter
	err      error
	res      Result
}

// NewEngine validates c and prepares it for Run.
func NewEngine(c *stream.Cascade, opts EngineOptions) (*Engine, error) {
	if c == nil {
		return nil, errNothingToSimulate
	}
	e := &Engine{cascade: c, opts: opts, log: logging.OrNop(opts.Logger)}
	e.cond = sync.NewCond(&e.mu)
	if err := e.check(); err != nil {
		return nil, err
	}
	return e, nil
}

// Simulate runs every cascade of s in order.
func Simulate(ctx context.Context, s *stream.CommandStream, opts EngineOptions) ([]*Result, error) {
	cascades := s.Cascades()
	if len(cascades) == 0 {
		return nil, errNothingToSimulate
	}
	out := make([]*Result, 0, len(cascades))
	for i, c := range cascades {
		e, err := NewEngine(c, opts)
		if err != nil {
			return nil, fmt.Errorf("cascade %d: %w", i, err)
		}
		res, err := e.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("cascade %d: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// check verifies everything that can be decided without running the
// queues.
func (e *Engine) check() error {
	var total [stream.NumCounters]uint32
	for q := stream.Queue(0); q < stream.NumQueues; q++ {
		for i, cmd := range e.cascade.Queue(q) {
			if cmd.Type() == stream.CmdWaitForCounter {
				continue
			}
			if err := e.checkAgent(cmd); err != nil {
				return fmt.Errorf("%s command %d: %w", q, i, err)
			}
			if c, ok := scheduler.CounterOf(cmd.Type()); ok {
				total[c]++
			}
		}
	}
	for q := stream.Queue(0); q < stream.NumQueues; q++ {
		var last [stream.NumCounters]uint32
		for i, cmd := range e.cascade.Queue(q) {
			w, ok := cmd.(*stream.WaitForCounter)
			if !ok {
				continue
			}
			if w.Counter >= stream.NumCounters {
				return fmt.Errorf("%s command %d: counter %d: %w", q, i, w.Counter, ErrUnreachableWait)
			}
			if w.Value < last[w.Counter] {
				return fmt.Errorf("%s command %d: %s %d after %d: %w", q, i, w.Counter, w.Value, last[w.Counter], ErrNonMonotonicWait)
			}
			last[w.Counter] = w.Value
			if w.Value > total[w.Counter] {
				return fmt.Errorf("%s command %d: %s reaches %d, waits for %d: %w", q, i, w.Counter, total[w.Counter], w.Value, ErrUnreachableWait)
			}
		}
	}
	return nil
}

// checkAgent verifies that the command's agent exists and runs on the
// engine the command drives.
func (e *Engine) checkAgent(cmd stream.Command) error {
	id, ok := stream.AgentOf(cmd)
	if !ok {
		return nil
	}
	if int(id) >= len(e.cascade.Agents) {
		return fmt.Errorf("agent %d of %d: %w", id, len(e.cascade.Agents), ErrUnknownAgent)
	}
	a := e.cascade.Agents[id]
	if a.Data == nil {
		return fmt.Errorf("agent %d has no payload: %w", id, ErrAgentMismatch)
	}
	if !commandFits(a.Data.AgentType(), cmd.Type()) {
		return fmt.Errorf("%s for %s agent %d: %w", cmd.Type(), a.Data.AgentType(), id, ErrAgentMismatch)
	}
	return nil
}

func commandFits(a core.AgentType, t stream.CommandType) bool {
	switch t {
	case stream.CmdLoadIfmStripe:
		return a == core.IfmStreamer
	case stream.CmdLoadWgtStripe:
		return a == core.WgtStreamer
	case stream.CmdLoadPleCodeIntoSram:
		return a == core.PleLoader
	case stream.CmdStoreOfmStripe:
		return a == core.OfmStreamer
	case stream.CmdProgramMceStripe, stream.CmdConfigMceif, stream.CmdStartMceStripe:
		return a == core.MceScheduler
	case stream.CmdLoadPleCodeIntoPleSram, stream.CmdStartPleStripe:
		return a == core.PleScheduler
	default:
		return false
	}
}

// Run executes the queues until they drain, deadlock or ctx is done.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.res = Result{Stats: ExecutionStats{WorkCommands: make([]int, len(e.cascade.Agents))}}
	e.counters = [stream.NumCounters]uint32{}
	e.err = nil
	e.pending = [stream.NumQueues]*stream.WaitForCounter{}
	e.active = int(stream.NumQueues)

	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.fail(ctx.Err())
	})
	defer stop()

	var wg sync.WaitGroup
	for q := stream.Queue(0); q < stream.NumQueues; q++ {
		wg.Add(1)
		go e.worker(q, &wg)
	}
	wg.Wait()
	stop()

	// A cancellation racing the last worker may still be recording its error.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.res.Stats.Counters = e.counters
	e.log.Debug("cascade simulated",
		"agents", len(e.cascade.Agents),
		"dma_rd", e.res.Stats.Commands[stream.QueueDmaRd],
		"dma_wr", e.res.Stats.Commands[stream.QueueDmaWr],
		"mce", e.res.Stats.Commands[stream.QueueMce],
		"ple", e.res.Stats.Commands[stream.QueuePle])
	res := e.res
	return &res, nil
}

// fail records the first error and wakes every worker. e.mu must be held.
func (e *Engine) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	e.cond.Broadcast()
}

func (e *Engine) worker(q stream.Queue, wg *sync.WaitGroup) {
	defer wg.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		e.active--
		e.checkDeadlock(q)
	}()

	for i, cmd := range e.cascade.Queue(q) {
		if e.err != nil {
			return
		}
		if w, ok := cmd.(*stream.WaitForCounter); ok {
			if !e.wait(q, w) {
				return
			}
			e.record(Event{Queue: q, Index: i, Type: cmd.Type(), Counter: w.Counter, Value: w.Value, HasCounter: true})
			e.res.Stats.Waits[q]++
			e.res.Stats.Commands[q]++
			continue
		}
		e.execute(q, i, cmd)
	}
}

// wait blocks until the counter reaches w.Value. It reports false when the
// simulation failed meanwhile. e.mu must be held.
func (e *Engine) wait(q stream.Queue, w *stream.WaitForCounter) bool {
	e.pending[q] = w
	defer func() { e.pending[q] = nil }()
	for e.counters[w.Counter] < w.Value {
		if e.err != nil || e.checkDeadlock(q) {
			return false
		}
		e.cond.Wait()
	}
	return e.err == nil
}

// checkDeadlock fails the simulation when every queue still running waits
// for a counter value nobody can produce any more. A queue that was woken
// but has not yet re-checked its wait is not blocked. e.mu must be held.
func (e *Engine) checkDeadlock(q stream.Queue) bool {
	if e.active == 0 {
		return false
	}
	blocked := 0
	for _, w := range e.pending {
		if w != nil && e.counters[w.Counter] < w.Value {
			blocked++
		}
	}
	if blocked < e.active {
		return false
	}
	e.log.Warn("cascade deadlocked", "queue", q, "counters", e.counters)
	e.fail(fmt.Errorf("%w: counters %v", ErrDeadlock, e.counters))
	return true
}

func (e *Engine) execute(q stream.Queue, i int, cmd stream.Command) {
	ev := Event{Queue: q, Index: i, Type: cmd.Type()}
	ev.Agent, ev.HasAgent = stream.AgentOf(cmd)
	if c, ok := scheduler.CounterOf(cmd.Type()); ok {
		e.counters[c]++
		ev.Counter, ev.Value, ev.HasCounter = c, e.counters[c], true
		e.cond.Broadcast()
	}
	if ev.HasAgent && scheduler.CompletesStripe(e.cascade.Agents[ev.Agent].Data.AgentType(), cmd.Type()) {
		e.res.Stats.WorkCommands[ev.Agent]++
	}
	e.res.Stats.Commands[q]++
	e.record(ev)
}

func (e *Engine) record(ev Event) {
	if e.opts.Trace {
		e.res.Events = append(e.res.Events, ev)
	}
}
