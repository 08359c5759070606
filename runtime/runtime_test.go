package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/stream"
)

func wait(c stream.CounterName, v uint32) stream.Command {
	return &stream.WaitForCounter{Counter: c, Value: v}
}

func loadIfm(agent uint32) stream.Command {
	return &stream.DmaCommand{Kind: stream.CmdLoadIfmStripe, AgentID: agent}
}

func storeOfm(agent uint32) stream.Command {
	return &stream.DmaCommand{Kind: stream.CmdStoreOfmStripe, AgentID: agent}
}

// pipeline is a two-stripe IfmS -> MceS -> PleS -> OfmS cascade.
func pipeline() *stream.Cascade {
	return &stream.Cascade{
		Agents: []stream.Agent{
			{NumStripesTotal: 2, Data: &stream.IfmS{}},
			{NumStripesTotal: 2, Data: &stream.MceS{}},
			{NumStripesTotal: 2, Data: &stream.PleS{}},
			{NumStripesTotal: 2, Data: &stream.OfmS{}},
		},
		DmaRd: []stream.Command{loadIfm(0), loadIfm(0)},
		Mce: []stream.Command{
			wait(stream.CounterDmaRd, 1),
			&stream.ProgramMceStripe{AgentID: 1},
			&stream.ConfigMceif{AgentID: 1},
			&stream.StartMceStripe{AgentID: 1},
			wait(stream.CounterDmaRd, 2),
			&stream.ProgramMceStripe{AgentID: 1},
			&stream.StartMceStripe{AgentID: 1},
		},
		Ple: []stream.Command{
			wait(stream.CounterMceStripe, 1),
			&stream.StartPleStripe{AgentID: 2},
			wait(stream.CounterMceStripe, 2),
			&stream.StartPleStripe{AgentID: 2},
		},
		DmaWr: []stream.Command{
			wait(stream.CounterPleStripe, 1),
			storeOfm(3),
			wait(stream.CounterPleStripe, 2),
			storeOfm(3),
		},
	}
}

func TestRunPipeline(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(pipeline(), EngineOptions{Trace: true})
	require.NoError(t, err)
	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 2, 2}, res.Stats.WorkCommands)
	assert.Equal(t, uint32(2), res.Stats.Counters[stream.CounterDmaRd])
	assert.Equal(t, uint32(2), res.Stats.Counters[stream.CounterMceStripe])
	assert.Equal(t, uint32(1), res.Stats.Counters[stream.CounterMceif])
	assert.Equal(t, uint32(2), res.Stats.Counters[stream.CounterPleStripe])
	assert.Equal(t, uint32(2), res.Stats.Counters[stream.CounterDmaWr])
	assert.Equal(t, 2, res.Stats.Waits[stream.QueueMce])
	assert.Equal(t, 7, res.Stats.Commands[stream.QueueMce])
	assert.Len(t, res.Events, 17)

	// Counters only ever advance by one, and every wait is seen after the
	// counter reached its value.
	var seen [stream.NumCounters]uint32
	for _, ev := range res.Events {
		if !ev.HasCounter {
			continue
		}
		if ev.Type == stream.CmdWaitForCounter {
			assert.GreaterOrEqual(t, seen[ev.Counter], ev.Value, "%s command %d", ev.Queue, ev.Index)
			continue
		}
		assert.Equal(t, seen[ev.Counter]+1, ev.Value)
		seen[ev.Counter] = ev.Value
	}
}

func TestRunIsRepeatable(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(pipeline(), EngineOptions{})
	require.NoError(t, err)
	first, err := e.Run(context.Background())
	require.NoError(t, err)
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Empty(t, second.Events)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	e, err := NewEngine(pipeline(), EngineOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Cancelling while the queues drain either stops the run or lands after
	// it, never both.
	for range 50 {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		res, err := e.Run(ctx)
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
			assert.Nil(t, res)
			continue
		}
		assert.Equal(t, []int{2, 2, 2, 2}, res.Stats.WorkCommands)
	}
}

func TestDeadlock(t *testing.T) {
	t.Parallel()
	c := &stream.Cascade{
		Agents: []stream.Agent{
			{NumStripesTotal: 1, Data: &stream.MceS{}},
			{NumStripesTotal: 1, Data: &stream.PleS{}},
		},
		Mce: []stream.Command{
			wait(stream.CounterPleStripe, 1),
			&stream.ProgramMceStripe{},
			&stream.StartMceStripe{},
		},
		Ple: []stream.Command{
			wait(stream.CounterMceStripe, 1),
			&stream.StartPleStripe{AgentID: 1},
		},
	}
	e, err := NewEngine(c, EngineOptions{})
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrDeadlock)
}

func TestStaticChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *stream.Cascade)
		want   error
	}{
		{
			name: "decreasing wait",
			mutate: func(c *stream.Cascade) {
				c.Mce[4] = wait(stream.CounterDmaRd, 0)
			},
			want: ErrNonMonotonicWait,
		},
		{
			name: "unreachable wait",
			mutate: func(c *stream.Cascade) {
				c.DmaWr[2] = wait(stream.CounterPleStripe, 3)
			},
			want: ErrUnreachableWait,
		},
		{
			name: "wrong role",
			mutate: func(c *stream.Cascade) {
				c.DmaRd[1] = loadIfm(1)
			},
			want: ErrAgentMismatch,
		},
		{
			name: "missing agent",
			mutate: func(c *stream.Cascade) {
				c.DmaWr[1] = storeOfm(9)
			},
			want: ErrUnknownAgent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := pipeline()
			tt.mutate(c)
			_, err := NewEngine(c, EngineOptions{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSimulate(t *testing.T) {
	t.Parallel()
	s := stream.New()
	s.Commands = append(s.Commands, pipeline(), &stream.DumpSram{Prefix: "x"}, pipeline())
	res, err := Simulate(context.Background(), s, EngineOptions{})
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, err = Simulate(context.Background(), stream.New(), EngineOptions{})
	assert.Error(t, err)
}
