package compiler

import (
	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/model"
)

// pairing keys the rule tables by the roles at the two ends of an edge.
type pairing struct {
	consumer core.AgentType
	producer core.AgentType
}

// edge is the input to a rule: the two agents plus the op that created the
// producer, which some rules inspect.
type edge struct {
	kind       core.DependencyKind
	consumer   *core.Agent
	producer   *core.Agent
	producerOp model.Op
}

// rule fills the ratios and boundary of one dependency. Rules attached to
// consumer-owned edges express them from the consumer's side (Self is the
// consumer); rules for producer-owned edges from the producer's side. A
// rule returning false suppresses the edge.
type rule func(e edge) (core.Dependency, bool)

type producerRule struct {
	fill         rule
	scheduleOnly bool
}

// readRules hold the RAW edges, owned by the consumer. The pairings whose
// consumer is a streamer or kernel loader are fences: the consumer waits
// for every stripe of the producer.
var readRules = map[pairing]rule{
	{core.IfmStreamer, core.OfmStreamer}:  wholeCompletion,
	{core.IfmStreamer, core.PleScheduler}: wholeCompletion,
	{core.IfmStreamer, core.MceScheduler}: wholeCompletion,
	{core.WgtStreamer, core.OfmStreamer}:  wholeCompletion,
	{core.WgtStreamer, core.PleScheduler}: wholeCompletion,
	{core.WgtStreamer, core.MceScheduler}: wholeCompletion,
	{core.PleLoader, core.PleScheduler}:   wholeCompletion,
	{core.PleLoader, core.OfmStreamer}:    wholeCompletion,
	{core.PleLoader, core.MceScheduler}:   wholeCompletion,

	{core.MceScheduler, core.IfmStreamer}:  mceReadsIfm,
	{core.MceScheduler, core.WgtStreamer}:  mceReadsWeights,
	{core.MceScheduler, core.PleScheduler}: mceReadsPle,

	{core.PleScheduler, core.IfmStreamer}:  pleReadsIfm,
	{core.PleScheduler, core.MceScheduler}: pleReadsMce,
	{core.PleScheduler, core.PleLoader}:    pleReadsLoader,
	{core.PleScheduler, core.PleScheduler}: pleReadsPle,

	{core.OfmStreamer, core.IfmStreamer}:  oneToOne,
	{core.OfmStreamer, core.PleScheduler}: ofmReadsPle,
}

// producerRules hold the WAR and schedule-time edges, owned by the
// producer. Most mirror the RAW rule of the same pairing. Fences only ever
// add RAW edges, so fenced pairings have no entry here.
var producerRules = map[pairing]producerRule{
	{core.MceScheduler, core.IfmStreamer}:  {fill: mirrored(mceReadsIfm)},
	{core.MceScheduler, core.WgtStreamer}:  {fill: mirrored(mceReadsWeights)},
	{core.MceScheduler, core.PleLoader}:    {fill: loaderAheadOfMce, scheduleOnly: true},
	{core.MceScheduler, core.PleScheduler}: {fill: pleAheadOfMce},
	{core.PleScheduler, core.IfmStreamer}:  {fill: mirrored(pleReadsIfm)},
	{core.PleScheduler, core.MceScheduler}: {fill: mirrored(pleReadsMce)},
	{core.PleScheduler, core.PleLoader}:    {fill: mirrored(pleReadsLoader)},
	{core.PleScheduler, core.PleScheduler}: {fill: mirrored(pleReadsPle)},
	{core.OfmStreamer, core.IfmStreamer}:   {fill: mirrored(oneToOne)},
	{core.OfmStreamer, core.PleScheduler}:  {fill: pleAheadOfOfm},
}

func mirrored(r rule) rule {
	return func(e edge) (core.Dependency, bool) {
		d, ok := r(e)
		d.OuterRatio = mirror(d.OuterRatio)
		d.InnerRatio = mirror(d.InnerRatio)
		return d, ok
	}
}

func wholeCompletion(e edge) (core.Dependency, bool) {
	p := e.producer.NumStripesTotal
	return core.Dependency{
		OuterRatio: core.Ratio{Other: p, Self: e.consumer.NumStripesTotal},
		InnerRatio: core.Ratio{Other: p, Self: 1},
	}, true
}

func oneToOne(edge) (core.Dependency, bool) {
	return core.Dependency{
		OuterRatio: core.Ratio{Other: 1, Self: 1},
		InnerRatio: core.Ratio{Other: 1, Self: 1},
	}, true
}

func mceReadsIfm(e edge) (core.Dependency, bool) {
	m := e.consumer.Data.(*core.MceS)
	f := e.producer.Data.(*core.IfmS)
	h, unevenH := axisRatio(m.NumStripes.OfmHeight, f.Fm.NumStripes.Height)
	w, unevenW := axisRatio(m.NumStripes.OfmWidth, f.Fm.NumStripes.Width)
	d := core.Dependency{
		OuterRatio: ifmMceOuter(m, f),
		InnerRatio: mulRatio(h, w),
		Boundary:   mceBoundary(m),
	}
	if unevenH || unevenW {
		d.Boundary = 1
	}
	return d, true
}

// mceReadsWeights: the MCE walks input channels innermost, so a weight
// stripe is reused across all output positions only when the input
// channels are not split.
func mceReadsWeights(e edge) (core.Dependency, bool) {
	m := e.consumer.Data.(*core.MceS)
	d := core.Dependency{
		OuterRatio: core.Ratio{Other: e.producer.NumStripesTotal, Self: e.consumer.NumStripesTotal},
		InnerRatio: core.Ratio{Other: 1, Self: 1},
	}
	if m.NumStripes.IfmChannels == 1 {
		d.InnerRatio.Self = u16(uint32(m.NumStripes.OfmHeight) * uint32(m.NumStripes.OfmWidth))
	}
	return d, true
}

func mceReadsPle(e edge) (core.Dependency, bool) {
	m := e.consumer.Data.(*core.MceS)
	p := e.producer.Data.(*core.PleS)
	return core.Dependency{
		OuterRatio: core.Ratio{
			Other: u16(p.NumStripes.Volume()),
			Self:  u16(uint32(m.NumStripes.OfmHeight) * uint32(m.NumStripes.OfmWidth) * uint32(m.NumStripes.OfmChannels)),
		},
		InnerRatio: core.Ratio{Other: plePerMceStripe(m, p), Self: 1},
		Boundary:   mceBoundary(m),
	}, true
}

// plePerMceStripe is how many PLE output stripes cover one MCE stripe.
func plePerMceStripe(m *core.MceS, p *core.PleS) uint16 {
	w := core.DivRoundUp(uint32(p.NumStripes.Width), max(uint32(m.NumStripes.OfmWidth), 1))
	h := core.DivRoundUp(uint32(p.NumStripes.Height), max(uint32(m.NumStripes.OfmHeight), 1))
	c := core.DivRoundUp(uint32(p.NumStripes.Channels), max(uint32(m.NumStripes.OfmChannels), 1))
	return u16(w * h * c)
}

func pleAheadOfMce(e edge) (core.Dependency, bool) {
	// A full-tensor MCE consumer would never release the PLE's tile slot
	// early enough; only the schedule-time bound is kept.
	if e.kind == core.WriteAfterRead && e.consumer.NumStripesTotal == 1 {
		return core.Dependency{}, false
	}
	d, ok := mceReadsPle(e)
	d.OuterRatio = mirror(d.OuterRatio)
	d.InnerRatio = mirror(d.InnerRatio)
	return d, ok
}

func loaderAheadOfMce(e edge) (core.Dependency, bool) {
	m := e.consumer.Data.(*core.MceS)
	n := u16(uint32(m.NumStripes.OfmHeight) * uint32(m.NumStripes.OfmWidth) * uint32(m.NumStripes.IfmChannels))
	return core.Dependency{
		OuterRatio: core.Ratio{Other: n, Self: 1},
		InnerRatio: core.Ratio{Other: n, Self: 1},
	}, true
}

func pleReadsIfm(e edge) (core.Dependency, bool) {
	p := e.consumer.Data.(*core.PleS)
	f := e.producer.Data.(*core.IfmS)
	return core.Dependency{
		OuterRatio: core.Ratio{Other: u16(f.Fm.NumStripes.Volume()), Self: u16(p.NumStripes.Volume())},
	}, true
}

// pleReadsMce: every PLE stripe needs all the input channel stripes the
// MCE accumulates for it. The boundary covers PLE grids that are not a
// multiple of the MCE grid in the XY plane.
func pleReadsMce(e edge) (core.Dependency, bool) {
	p := e.consumer.Data.(*core.PleS)
	m := e.producer.Data.(*core.MceS)
	channels := core.DivRoundUp(uint32(m.NumStripes.OfmChannels), max(uint32(p.NumStripes.Channels), 1))
	d := core.Dependency{
		OuterRatio: core.Ratio{Other: e.producer.NumStripesTotal, Self: e.consumer.NumStripesTotal},
		InnerRatio: core.Ratio{Other: u16(channels * uint32(m.NumStripes.IfmChannels)), Self: 1},
	}
	mceXY := max(uint32(m.NumStripes.OfmWidth)*uint32(m.NumStripes.OfmHeight), 1)
	pleXY := uint32(p.NumStripes.Width) * uint32(p.NumStripes.Height)
	if pleXY%mceXY != 0 {
		d.Boundary = 1
	}
	return d, true
}

func pleReadsLoader(e edge) (core.Dependency, bool) {
	p := e.consumer.Data.(*core.PleS)
	return core.Dependency{OuterRatio: core.Ratio{Other: 1, Self: u16(p.NumStripes.Volume())}}, true
}

// pleReadsPle is only reached for full-tensor PLE to PLE chains.
func pleReadsPle(edge) (core.Dependency, bool) {
	return core.Dependency{OuterRatio: core.Ratio{Other: 1, Self: 1}}, true
}

// pleStripesPerOfm is how many PLE stripes make up one output streamer
// stripe; above 1 when the PLE works on partial height.
func pleStripesPerOfm(o *core.OfmS, p *core.PleS) uint16 {
	if p.DefaultStripeSize.Height == 0 {
		return 1
	}
	return max(o.Fm.DefaultStripeSize.Height/p.DefaultStripeSize.Height, 1)
}

// maxpoolOverlap reports whether the producing kernel reads one row of the
// next stripe, which holds back consumers by one stripe.
func maxpoolOverlap(e edge, p *core.PleS) bool {
	op, ok := e.producerOp.(*model.PleOp)
	return ok && op.Operation.IsMaxpool3x3Stride2() && p.NumStripes.Height > 1
}

func ofmReadsPle(e edge) (core.Dependency, bool) {
	o := e.consumer.Data.(*core.OfmS)
	p := e.producer.Data.(*core.PleS)
	d := core.Dependency{
		OuterRatio: core.Ratio{Other: e.producer.NumStripesTotal, Self: e.consumer.NumStripesTotal},
		InnerRatio: core.Ratio{Other: pleStripesPerOfm(o, p), Self: 1},
	}
	if maxpoolOverlap(e, p) {
		d.Boundary = 1
	}
	return d, true
}

func pleAheadOfOfm(e edge) (core.Dependency, bool) {
	o := e.consumer.Data.(*core.OfmS)
	p := e.producer.Data.(*core.PleS)
	d := core.Dependency{
		OuterRatio: core.Ratio{Other: e.consumer.NumStripesTotal, Self: e.producer.NumStripesTotal},
		InnerRatio: core.Ratio{Other: 1, Self: pleStripesPerOfm(o, p)},
	}
	if e.kind == core.ScheduleTime && maxpoolOverlap(e, p) {
		d.Boundary = 1
	}
	return d, true
}
