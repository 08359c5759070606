package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/stream"
)

func dep(rel int8) core.Dependency {
	return core.Dependency{
		RelativeAgentID: core.RelativeAgentID(rel),
		OuterRatio:      core.Ratio{Other: 1, Self: 1},
		InnerRatio:      core.Ratio{Other: 1, Self: 1},
	}
}

func fm(stripes uint16, slots uint16) core.FmData {
	return core.FmData{
		Tile:              core.Tile{NumSlots: slots, SlotSize: 4096},
		DefaultStripeSize: core.Shape3{Height: 8, Width: 8, Channels: 16},
		EdgeStripeSize:    core.Shape3{Height: 8, Width: 8, Channels: 16},
		NumStripes:        core.Shape3{Height: stripes, Width: 1, Channels: 1},
		StripeIDStrides:   core.Shape3{Height: 1, Width: 1, Channels: 1},
	}
}

// pipeline returns IfmS, WgtS, MceS, PleS, OfmS wired one to one.
func pipeline(stripes uint16) []core.Agent {
	agents := []core.Agent{
		core.NewAgent(stripes, &core.IfmS{Fm: fm(stripes, 2)}),
		core.NewAgent(1, &core.WgtS{Tile: core.Tile{NumSlots: 1}}),
		core.NewAgent(stripes, &core.MceS{}),
		core.NewAgent(stripes, &core.PleS{OfmTile: core.Tile{NumSlots: 2}}),
		core.NewAgent(stripes, &core.OfmS{Fm: fm(stripes, 2)}),
	}
	whole := core.Dependency{
		RelativeAgentID: -1,
		OuterRatio:      core.Ratio{Other: 1, Self: stripes},
		InnerRatio:      core.Ratio{Other: 1, Self: stripes},
	}

	agents[0].AddDependency(core.WriteAfterRead, dep(2))
	agents[0].AddDependency(core.ScheduleTime, dep(2))
	agents[1].AddDependency(core.ScheduleTime, core.Dependency{
		RelativeAgentID: 1,
		OuterRatio:      core.Ratio{Other: stripes, Self: 1},
		InnerRatio:      core.Ratio{Other: stripes, Self: 1},
	})
	agents[2].AddDependency(core.ReadAfterWrite, dep(-2))
	agents[2].AddDependency(core.ReadAfterWrite, whole)
	agents[2].AddDependency(core.WriteAfterRead, dep(1))
	agents[2].AddDependency(core.ScheduleTime, dep(1))
	agents[3].AddDependency(core.ReadAfterWrite, dep(-1))
	agents[3].AddDependency(core.WriteAfterRead, dep(1))
	agents[3].AddDependency(core.ScheduleTime, dep(1))
	agents[4].AddDependency(core.ReadAfterWrite, dep(-1))
	return agents
}

func wait(c stream.CounterName, v uint32) Command {
	return Command{Type: stream.CmdWaitForCounter, Counter: c, Value: v}
}

func work(t stream.CommandType, agent core.AgentID, stripe uint32) Command {
	return Command{Type: t, Agent: agent, Stripe: stripe, NumChunks: 1}
}

func countWaits(r *Result) int {
	n := 0
	for _, q := range r.Queues {
		for _, c := range q {
			if c.IsWait() {
				n++
			}
		}
	}
	return n
}

// checkQueues asserts stripe conservation and counter monotonicity.
func checkQueues(t *testing.T, agents []core.Agent, r *Result) {
	t.Helper()
	completed := make([]map[uint32]bool, len(agents))
	for i := range completed {
		completed[i] = map[uint32]bool{}
	}
	for q, cmds := range r.Queues {
		last := map[stream.CounterName]uint32{}
		for _, c := range cmds {
			if c.IsWait() {
				assert.Greater(t, c.Value, last[c.Counter], "queue %s waits on %s out of order", stream.Queue(q), c.Counter)
				assert.LessOrEqual(t, c.Value, r.Counters[c.Counter], "queue %s waits past the final %s", stream.Queue(q), c.Counter)
				last[c.Counter] = c.Value
				continue
			}
			a := &agents[c.Agent]
			assert.Equal(t, QueueOf(a.Type()), stream.Queue(q), "%s on the wrong queue", c)
			if CompletesStripe(a.Type(), c.Type) {
				completed[c.Agent][c.Stripe] = true
			}
		}
	}
	for i := range agents {
		assert.Len(t, completed[i], int(agents[i].NumStripesTotal), "agent %d", i)
	}
}

func TestScheduleSingleStripePipeline(t *testing.T) {
	t.Parallel()
	agents := pipeline(1)

	r, err := Schedule(agents, Options{})
	require.NoError(t, err)

	assert.Equal(t, []Command{
		{Type: stream.CmdLoadIfmStripe, Agent: 0, NumChunks: 1, Lane: 0},
		{Type: stream.CmdLoadWgtStripe, Agent: 1, NumChunks: 1, Lane: 1},
	}, r.Queue(stream.QueueDmaRd))
	assert.Equal(t, []Command{
		wait(stream.CounterDmaRd, 2),
		work(stream.CmdProgramMceStripe, 2, 0),
		work(stream.CmdConfigMceif, 2, 0),
		work(stream.CmdStartMceStripe, 2, 0),
	}, r.Queue(stream.QueueMce))
	assert.Equal(t, []Command{
		wait(stream.CounterMceStripe, 1),
		work(stream.CmdStartPleStripe, 3, 0),
	}, r.Queue(stream.QueuePle))
	assert.Equal(t, []Command{
		wait(stream.CounterPleStripe, 1),
		{Type: stream.CmdStoreOfmStripe, Agent: 4, NumChunks: 1, Lane: NumReadLanes},
	}, r.Queue(stream.QueueDmaWr))

	assert.Equal(t, 3, countWaits(r))
	checkQueues(t, agents, r)
	assert.Equal(t, uint32(2), r.Counters[stream.CounterDmaRd])
	assert.Equal(t, uint32(1), r.Counters[stream.CounterDmaWr])
}

func TestScheduleMultiStripePipeline(t *testing.T) {
	t.Parallel()
	for _, stripes := range []uint16{2, 3, 7} {
		agents := pipeline(stripes)
		r, err := Schedule(agents, Options{})
		require.NoError(t, err, "%d stripes", stripes)
		checkQueues(t, agents, r)
		assert.Equal(t, uint32(stripes), r.Counters[stream.CounterMceStripe])
		assert.Equal(t, uint32(stripes), r.Counters[stream.CounterPleStripe])
		assert.Equal(t, uint32(1), r.Counters[stream.CounterMceif])
	}
}

func TestScheduleUnevenRatio(t *testing.T) {
	t.Parallel()
	agents := []core.Agent{
		core.NewAgent(3, &core.IfmS{Fm: fm(3, 3)}),
		core.NewAgent(2, &core.MceS{}),
	}
	agents[0].AddDependency(core.ScheduleTime, core.Dependency{
		RelativeAgentID: 1,
		OuterRatio:      core.Ratio{Other: 2, Self: 3},
		InnerRatio:      core.Ratio{Other: 1, Self: 2},
	})
	agents[1].AddDependency(core.ReadAfterWrite, core.Dependency{
		RelativeAgentID: -1,
		OuterRatio:      core.Ratio{Other: 3, Self: 2},
		InnerRatio:      core.Ratio{Other: 2, Self: 1},
		Boundary:        1,
	})

	r, err := Schedule(agents, Options{})
	require.NoError(t, err)
	assert.Len(t, r.Queue(stream.QueueDmaRd), 3)
	assert.Equal(t, []Command{
		wait(stream.CounterDmaRd, 3),
		work(stream.CmdProgramMceStripe, 1, 0),
		work(stream.CmdConfigMceif, 1, 0),
		work(stream.CmdStartMceStripe, 1, 0),
		work(stream.CmdProgramMceStripe, 1, 1),
		work(stream.CmdStartMceStripe, 1, 1),
	}, r.Queue(stream.QueueMce))
	checkQueues(t, agents, r)
}

func TestScheduleChunksAndLanes(t *testing.T) {
	t.Parallel()
	in := fm(2, 2)
	in.DefaultStripeSize = core.Shape3{Height: 8, Width: 8, Channels: 64}
	in.EdgeStripeSize = core.Shape3{Height: 4, Width: 8, Channels: 64}
	out := in

	agents := []core.Agent{
		core.NewAgent(2, &core.IfmS{Fm: in}),
		core.NewAgent(2, &core.OfmS{Fm: out}),
	}
	agents[1].AddDependency(core.ReadAfterWrite, dep(-1))

	r, err := Schedule(agents, Options{MaxDmaChunkBytes: 1024})
	require.NoError(t, err)

	var lanes []uint8
	var chunks []uint32
	for _, c := range r.Queue(stream.QueueDmaRd) {
		lanes = append(lanes, c.Lane)
		chunks = append(chunks, c.NumChunks)
		assert.Equal(t, core.AgentID(0), c.Agent)
	}
	assert.Equal(t, []uint8{0, 1, 2, 3, 0, 1}, lanes)
	assert.Equal(t, []uint32{4, 4, 4, 4, 2, 2}, chunks)

	lanes = nil
	for _, c := range r.Queue(stream.QueueDmaWr) {
		if !c.IsWait() {
			lanes = append(lanes, c.Lane)
		}
	}
	assert.Equal(t, []uint8{4, 5, 6, 7, 4, 5}, lanes)
	assert.Equal(t, uint32(6), r.Counters[stream.CounterDmaWr])
	checkQueues(t, agents, r)
}

func TestScheduleLoadsPleCodeOnce(t *testing.T) {
	t.Parallel()
	agents := []core.Agent{
		core.NewAgent(1, &core.PleL{}),
		core.NewAgent(2, &core.IfmS{Fm: fm(2, 2)}),
		core.NewAgent(2, &core.PleS{OfmTile: core.Tile{NumSlots: 2}}),
	}
	agents[2].AddDependency(core.ReadAfterWrite, dep(-1))
	agents[2].AddDependency(core.ReadAfterWrite, core.Dependency{
		RelativeAgentID: -2,
		OuterRatio:      core.Ratio{Other: 1, Self: 2},
		InnerRatio:      core.Ratio{Other: 1, Self: 2},
	})

	r, err := Schedule(agents, Options{})
	require.NoError(t, err)

	ple := r.Queue(stream.QueuePle)
	require.NotEmpty(t, ple)
	assert.Equal(t, wait(stream.CounterDmaRd, 2), ple[0])
	assert.Equal(t, work(stream.CmdLoadPleCodeIntoPleSram, 2, 0), ple[1])
	assert.Equal(t, work(stream.CmdStartPleStripe, 2, 0), ple[2])
	assert.Equal(t, uint32(1), r.Counters[stream.CounterPleCodeLoadedIntoPleSram])
	checkQueues(t, agents, r)
}

func TestScheduleErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		agents func() []core.Agent
		kind   error
		agent  int
	}{
		{
			name: "zero stripes",
			agents: func() []core.Agent {
				return []core.Agent{core.NewAgent(1, &core.IfmS{}), core.NewAgent(0, &core.MceS{})}
			},
			kind:  core.ErrZeroStripes,
			agent: 1,
		},
		{
			name: "dangling dependency",
			agents: func() []core.Agent {
				a := []core.Agent{core.NewAgent(1, &core.IfmS{}), core.NewAgent(1, &core.MceS{})}
				a[1].AddDependency(core.ReadAfterWrite, dep(5))
				return a
			},
			kind:  core.ErrDanglingDependency,
			agent: 1,
		},
		{
			name: "negative dangling dependency",
			agents: func() []core.Agent {
				a := []core.Agent{core.NewAgent(1, &core.IfmS{})}
				a[0].AddDependency(core.WriteAfterRead, dep(-1))
				return a
			},
			kind:  core.ErrDanglingDependency,
			agent: 0,
		},
		{
			name: "zero ratio",
			agents: func() []core.Agent {
				a := []core.Agent{core.NewAgent(1, &core.IfmS{}), core.NewAgent(1, &core.MceS{})}
				a[1].AddDependency(core.ReadAfterWrite, core.Dependency{RelativeAgentID: -1})
				return a
			},
			kind:  core.ErrUnsupportedDependency,
			agent: 1,
		},
		{
			name: "missing payload",
			agents: func() []core.Agent {
				return []core.Agent{{NumStripesTotal: 1}}
			},
			kind:  core.ErrUnknownEnum,
			agent: 0,
		},
		{
			name: "cyclic wait",
			agents: func() []core.Agent {
				a := []core.Agent{core.NewAgent(1, &core.IfmS{}), core.NewAgent(1, &core.OfmS{})}
				a[0].AddDependency(core.ReadAfterWrite, dep(1))
				a[1].AddDependency(core.ReadAfterWrite, dep(-1))
				return a
			},
			kind:  core.ErrScheduleStalled,
			agent: 0,
		},
		{
			name: "input tile smaller than one mce read",
			agents: func() []core.Agent {
				a := []core.Agent{core.NewAgent(2, &core.IfmS{Fm: fm(2, 1)}), core.NewAgent(1, &core.MceS{})}
				whole := core.Dependency{OuterRatio: core.Ratio{Other: 2, Self: 1}, InnerRatio: core.Ratio{Other: 2, Self: 1}}
				read, release := whole, whole
				read.RelativeAgentID = -1
				release.RelativeAgentID = 1
				release.OuterRatio = core.Ratio{Other: 1, Self: 2}
				release.InnerRatio = core.Ratio{Other: 1, Self: 2}
				a[1].AddDependency(core.ReadAfterWrite, read)
				a[0].AddDependency(core.WriteAfterRead, release)
				return a
			},
			kind:  core.ErrScheduleStalled,
			agent: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Schedule(tt.agents(), Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var ce *core.ConstructionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.agent, ce.Agent)
		})
	}
}

func TestStripeBytes(t *testing.T) {
	t.Parallel()
	in := fm(3, 2)
	in.EdgeStripeSize = core.Shape3{Height: 2, Width: 8, Channels: 16}
	a := core.NewAgent(3, &core.IfmS{Fm: in})

	assert.Equal(t, uint32(1024), StripeBytes(&a, 0))
	assert.Equal(t, uint32(1024), StripeBytes(&a, 1))
	assert.Equal(t, uint32(256), StripeBytes(&a, 2))

	m := core.NewAgent(1, &core.MceS{})
	assert.Zero(t, StripeBytes(&m, 0))
}
