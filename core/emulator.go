package core

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/model"
)

const defaultPacketBytes = 1500

// Inputs receives what the emulated physical layer reports to the
// scheduler. *runtime.Runtime implements it.
type Inputs interface {
	ReportCSI(c model.CellIndex, ue model.UEIndex, rep csi.Report) error
	ReportDLBuffer(c model.CellIndex, ue model.UEIndex, lcid uint8, bytes uint32, hol model.SlotPoint) error
	ReportBSR(c model.CellIndex, ue model.UEIndex, lcg uint8, bytes uint32) error
	ReportSR(c model.CellIndex, ue model.UEIndex) error
	ReportHARQ(c model.CellIndex, ue model.UEIndex, dir model.Direction, id model.HARQID, ack bool) error
}

// Config describes the radio environment shared by every terminal.
type Config struct {
	Seed        uint64
	Link        LinkBudget
	Site        TransceiverModel
	Terminal    TransceiverModel
	ShadowingDB float64
	// CSIPeriodSlots is the CSI reporting period; 0 reports every slot.
	CSIPeriodSlots int
	// PacketBytes is the size of generated packets; 0 uses 1500.
	PacketBytes int
}

// Terminal is one emulated UE and its offered load.
type Terminal struct {
	UE        model.UEConfig
	Motion    MotionModel
	DLRateBps float64
	ULRateBps float64
}

// Stats counts what the emulator has injected so far.
type Stats struct {
	Slots          uint64
	CSIReports     uint64
	DLArrivedBytes uint64
	ULArrivedBytes uint64
	DLDeliveredTBS uint64
	ULDeliveredTBS uint64
	DLAcks         uint64
	DLNacks        uint64
	ULAcks         uint64
	ULNacks        uint64
	RejectedInputs uint64
}

type link struct {
	dlSINR, ulSINR float64
}

type terminal struct {
	cfg    model.UEConfig
	motion MotionModel
	dlRate float64
	ulRate float64

	// lcid and lcg receive all generated traffic; hasChannel is false for
	// a UE without logical channels.
	lcid       uint8
	lcg        uint8
	hasChannel bool

	links map[model.CellIndex]link

	dlQueue uint32
	dlHOL   model.SlotPoint
	dlDirty bool

	ulQueue uint32
	srSent  bool
	bsrDue  bool
}

type feedback struct {
	due   model.SlotPoint
	grant model.Grant
}

// Emulator stands in for the physical layer and the UEs: it synthesises
// CSI from a link budget, generates traffic, and answers every data grant
// with HARQ feedback drawn from the block error rate. It is a grant.Sink
// and a timectrl.Listener (OnSlot).
type Emulator struct {
	cfg   Config
	in    Inputs
	log   logging.Logger
	rng   *rand.Rand
	cells map[model.CellIndex]model.CellConfig

	terminals []*terminal
	byUE      map[model.UEIndex]*terminal
	slotDur   time.Duration
	n         uint64
	pending   []feedback

	mu       sync.Mutex
	received []model.Grant
	stats    Stats
}

// Option configures an Emulator.
type Option func(*Emulator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Emulator) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEmulator builds an emulator for terminals served by cells. Every
// terminal's serving cells must be in cells.
func NewEmulator(cfg Config, cells []model.CellConfig, terminals []Terminal, in Inputs, opts ...Option) (*Emulator, error) {
	if in == nil {
		return nil, fmt.Errorf("emulator: nil inputs")
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("emulator: no cells")
	}
	if cfg.PacketBytes <= 0 {
		cfg.PacketBytes = defaultPacketBytes
	}
	e := &Emulator{
		cfg:     cfg,
		in:      in,
		log:     logging.Noop(),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		cells:   make(map[model.CellIndex]model.CellConfig, len(cells)),
		byUE:    make(map[model.UEIndex]*terminal, len(terminals)),
		slotDur: cells[0].SlotDuration(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, c := range cells {
		e.cells[c.Index] = c
	}
	for _, tc := range terminals {
		if _, dup := e.byUE[tc.UE.Index]; dup {
			return nil, fmt.Errorf("emulator: duplicate terminal for ue %d", tc.UE.Index)
		}
		if len(tc.UE.Cells) == 0 {
			return nil, fmt.Errorf("emulator: ue %d has no serving cell", tc.UE.Index)
		}
		for _, c := range tc.UE.Cells {
			if _, ok := e.cells[c]; !ok {
				return nil, fmt.Errorf("emulator: ue %d served by unknown cell %d", tc.UE.Index, c)
			}
		}
		motion := tc.Motion
		if motion == nil {
			motion = &StaticMotionModel{}
		}
		t := &terminal{
			cfg:    tc.UE,
			motion: motion,
			dlRate: tc.DLRateBps,
			ulRate: tc.ULRateBps,
			links:  make(map[model.CellIndex]link, len(tc.UE.Cells)),
		}
		if len(tc.UE.LogicalChannels) > 0 {
			lc := tc.UE.LogicalChannels[0]
			t.lcid, t.lcg, t.hasChannel = uint8(lc.LCID), lc.LCG, true
		}
		e.terminals = append(e.terminals, t)
		e.byUE[tc.UE.Index] = t
	}
	return e, nil
}

// Deliver implements grant.Sink. Data grants are kept until the next slot
// boundary.
func (e *Emulator) Deliver(res grant.Result) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range res.Grants {
		if g.Kind == model.GrantPDSCH || g.Kind == model.GrantPUSCH {
			e.received = append(e.received, g)
		}
	}
	return true
}

// Stats returns a copy of the counters.
func (e *Emulator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// OnSlot advances the emulated radio to sl. It must be called from a single
// goroutine, before the cells run sl.
func (e *Emulator) OnSlot(sl model.SlotPoint, at time.Time) {
	ctx := context.Background()

	e.mu.Lock()
	received := e.received
	e.received = nil
	e.stats.Slots++
	e.mu.Unlock()

	// Cells publish concurrently; order by cell so the random draws do not
	// depend on goroutine scheduling.
	slices.SortStableFunc(received, func(a, b model.Grant) int { return int(a.Cell) - int(b.Cell) })
	for _, g := range received {
		e.onGrant(g)
	}

	if e.cfg.CSIPeriodSlots <= 0 || e.n%uint64(e.cfg.CSIPeriodSlots) == 0 {
		for _, t := range e.terminals {
			e.measure(ctx, t, sl, at)
		}
	}
	e.n++

	for _, t := range e.terminals {
		e.generate(t, sl)
		e.reportBuffers(ctx, t, sl)
	}
	e.sendFeedback(ctx, sl)
}

func (e *Emulator) onGrant(g model.Grant) {
	t, ok := e.byUE[g.UE]
	if !ok {
		return
	}
	e.pending = append(e.pending, feedback{due: g.Slot.Add(int(g.Delay)), grant: g})
	if !g.NewTx || g.Cell != t.cfg.PCell() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if g.Kind == model.GrantPDSCH {
		t.dlQueue -= min(t.dlQueue, g.TBS)
		if t.dlQueue == 0 {
			t.dlHOL = model.SlotPoint{}
		}
		t.dlDirty = true
		e.stats.DLDeliveredTBS += uint64(g.TBS)
		return
	}
	// The BSR rides on the PUSCH.
	t.ulQueue -= min(t.ulQueue, g.TBS)
	t.srSent = false
	t.bsrDue = true
	e.stats.ULDeliveredTBS += uint64(g.TBS)
}

func (e *Emulator) measure(ctx context.Context, t *terminal, sl model.SlotPoint, at time.Time) {
	pos := t.motion.PositionAt(at)
	shadow := e.rng.NormFloat64() * e.cfg.ShadowingDB
	for _, c := range t.cfg.Cells {
		cc := e.cells[c]
		bw := CellBandwidthHz(cc)
		d := pos.DistanceTo(e.cfg.Site.Position)
		l := link{
			dlSINR: e.cfg.Link.SINRdB(&e.cfg.Site, &e.cfg.Terminal, d, shadow, bw),
			ulSINR: e.cfg.Link.SINRdB(&e.cfg.Terminal, &e.cfg.Site, d, shadow, bw),
		}
		t.links[c] = l

		ri := rank(l.dlSINR, min(t.cfg.MaxDLLayers, cc.NofDLPorts))
		rep := csi.Report{
			Slot:         sl,
			HasCQI:       true,
			CQI:          CQIFromSINR(l.dlSINR - 10*math.Log10(float64(ri))),
			RI:           ri,
			HasPUSCHSINR: true,
			PUSCHSINR:    l.ulSINR,
		}
		e.push(ctx, "csi", t, c, e.in.ReportCSI(c, t.cfg.Index, rep))
		e.mu.Lock()
		e.stats.CSIReports++
		e.mu.Unlock()
	}
}

func rank(sinrDB float64, maxLayers uint8) uint8 {
	switch {
	case maxLayers >= 4 && sinrDB >= 22:
		return 4
	case maxLayers >= 2 && sinrDB >= 15:
		return 2
	default:
		return 1
	}
}

// generate draws this slot's packet arrivals.
func (e *Emulator) generate(t *terminal, sl model.SlotPoint) {
	if !t.hasChannel {
		return
	}
	dl := e.arrivals(t.dlRate)
	ul := e.arrivals(t.ulRate)
	e.mu.Lock()
	defer e.mu.Unlock()
	if dl > 0 {
		if t.dlQueue == 0 {
			t.dlHOL = sl
		}
		t.dlQueue = saturatingAdd(t.dlQueue, dl)
		t.dlDirty = true
		e.stats.DLArrivedBytes += uint64(dl)
	}
	if ul > 0 {
		t.ulQueue = saturatingAdd(t.ulQueue, ul)
		e.stats.ULArrivedBytes += uint64(ul)
	}
}

func (e *Emulator) arrivals(rateBps float64) uint32 {
	if rateBps <= 0 {
		return 0
	}
	mean := rateBps * e.slotDur.Seconds() / (8 * float64(e.cfg.PacketBytes))
	return uint32(e.poisson(mean)) * uint32(e.cfg.PacketBytes)
}

func (e *Emulator) poisson(mean float64) int {
	if mean > 30 {
		return max(0, int(math.Round(mean+math.Sqrt(mean)*e.rng.NormFloat64())))
	}
	limit := math.Exp(-mean)
	k := 0
	for p := e.rng.Float64(); p > limit; p *= e.rng.Float64() {
		k++
	}
	return k
}

func saturatingAdd(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

func (e *Emulator) reportBuffers(ctx context.Context, t *terminal, sl model.SlotPoint) {
	if !t.hasChannel {
		return
	}
	pcell := t.cfg.PCell()
	if t.dlDirty {
		t.dlDirty = false
		e.push(ctx, "dl buffer", t, pcell, e.in.ReportDLBuffer(pcell, t.cfg.Index, t.lcid, t.dlQueue, t.dlHOL))
	}
	switch {
	case t.bsrDue:
		t.bsrDue = false
		t.srSent = t.ulQueue > 0
		e.push(ctx, "bsr", t, pcell, e.in.ReportBSR(pcell, t.cfg.Index, t.lcg, t.ulQueue))
	case t.ulQueue > 0 && !t.srSent:
		t.srSent = true
		e.push(ctx, "sr", t, pcell, e.in.ReportSR(pcell, t.cfg.Index))
	}
}

// sendFeedback reports every HARQ outcome due by sl.
func (e *Emulator) sendFeedback(ctx context.Context, sl model.SlotPoint) {
	kept := e.pending[:0]
	for _, fb := range e.pending {
		if fb.due.After(sl) {
			kept = append(kept, fb)
			continue
		}
		g := fb.grant
		t := e.byUE[g.UE]
		l := t.links[g.Cell]
		dir := g.Kind.Direction()
		sinr := l.dlSINR
		if dir == model.Uplink {
			sinr = l.ulSINR
		}
		ack := e.rng.Float64() >= BLER(sinr, g.MCS, g.Layers)
		e.mu.Lock()
		switch {
		case dir == model.Downlink && ack:
			e.stats.DLAcks++
		case dir == model.Downlink:
			e.stats.DLNacks++
		case ack:
			e.stats.ULAcks++
		default:
			e.stats.ULNacks++
		}
		e.mu.Unlock()
		e.push(ctx, "harq", t, g.Cell, e.in.ReportHARQ(g.Cell, g.UE, dir, g.HARQ, ack))
	}
	e.pending = kept
}

func (e *Emulator) push(ctx context.Context, what string, t *terminal, c model.CellIndex, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.stats.RejectedInputs++
	e.mu.Unlock()
	e.log.Debug(ctx, "emulated input rejected",
		logging.String("input", what),
		logging.Cell(c),
		logging.UE(t.cfg.Index),
		logging.Err(err),
	)
}
