// Package ue holds the per-cell scheduling context of each UE and the queue
// through which upstream inputs reach the cell goroutine.
package ue

import (
	"fmt"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/buffer"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/harq"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// Options are the cell-level settings every UE context of a cell shares.
type Options struct {
	AckTimeoutSlots int
	// CSI is the template tracker configuration; layer limits come from
	// the UE and the cell.
	CSI        csi.Config
	TargetBLER float64
}

// Context is the state of one UE on one serving cell.
type Context struct {
	cfg   model.UEConfig
	cell  model.CellIndex
	ports uint8

	CSI  *csi.Tracker
	DL   *buffer.Manager
	UL   *buffer.Manager
	HARQ *harq.UE

	targetBLER float64
	active     bool
}

// NewContext builds the context of cfg on cell.
func NewContext(cell model.CellConfig, cfg model.UEConfig, opts Options, notifier harq.RLFNotifier) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ue %d: %w", cfg.Index, err)
	}
	if !cfg.Serves(cell.Index) {
		return nil, fmt.Errorf("ue %d: not configured on cell %d", cfg.Index, cell.Index)
	}
	tracker, err := newTracker(cell, cfg, opts)
	if err != nil {
		return nil, err
	}
	h, err := harq.NewUE(cell.Index, cfg.Index, harq.Config{
		NofDLProcesses:      int(cfg.NofDLHARQs),
		NofULProcesses:      int(cfg.NofULHARQs),
		MaxDLRetx:           cfg.MaxDLRetx,
		MaxULRetx:           cfg.MaxULRetx,
		AckTimeoutSlots:     opts.AckTimeoutSlots,
		MaxConsecutiveDLKOs: cfg.MaxConsecutiveDLKOs,
		MaxConsecutiveULKOs: cfg.MaxConsecutiveULKOs,
	}, notifier)
	if err != nil {
		return nil, err
	}
	bler := opts.TargetBLER
	if bler <= 0 {
		bler = 0.1
	}
	return &Context{
		cfg:        cfg,
		cell:       cell.Index,
		ports:      cell.NofDLPorts,
		CSI:        tracker,
		DL:         buffer.NewManager(model.Downlink, cfg.LogicalChannels),
		UL:         buffer.NewManager(model.Uplink, cfg.LogicalChannels),
		HARQ:       h,
		targetBLER: bler,
		active:     true,
	}, nil
}

func newTracker(cell model.CellConfig, cfg model.UEConfig, opts Options) (*csi.Tracker, error) {
	csiCfg := opts.CSI
	csiCfg.MaxDLLayers = min(cfg.MaxDLLayers, max(cell.NofDLPorts, 1))
	csiCfg.MaxULLayers = cfg.MaxULLayers
	csiCfg.NofDLPorts = max(cell.NofDLPorts, 1)
	tracker, err := csi.NewTracker(csiCfg)
	if err != nil {
		return nil, fmt.Errorf("ue %d: %w", cfg.Index, err)
	}
	return tracker, nil
}

// Config returns the UE configuration.
func (c *Context) Config() model.UEConfig { return c.cfg }

// Cell returns the serving cell of this context.
func (c *Context) Cell() model.CellIndex { return c.cell }

// Index returns the UE index.
func (c *Context) Index() model.UEIndex { return c.cfg.Index }

// RNTI returns the C-RNTI.
func (c *Context) RNTI() model.RNTI { return c.cfg.RNTI }

// Active reports whether the UE may receive new grants.
func (c *Context) Active() bool { return c.active }

// TargetBLER returns the link adaptation target.
func (c *Context) TargetBLER() float64 { return c.targetBLER }

// Buffer returns the buffer manager of dir.
func (c *Context) Buffer(dir model.Direction) *buffer.Manager {
	if dir == model.Uplink {
		return c.UL
	}
	return c.DL
}

// Reconfigure applies a new UE configuration. Logical channels that remain
// keep their buffer state; HARQ pools are kept as they were sized at attach.
func (c *Context) Reconfigure(cfg model.UEConfig) error {
	if cfg.Index != c.cfg.Index {
		return fmt.Errorf("ue %d: reconfiguration for ue %d", c.cfg.Index, cfg.Index)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("ue %d: %w", cfg.Index, err)
	}
	c.cfg = cfg
	c.DL.Configure(cfg.LogicalChannels)
	c.UL.Configure(cfg.LogicalChannels)
	return nil
}

// ResetCell re-attaches the context to its reconfigured serving cell. Every
// HARQ process is emptied because its transport block was built for the old
// carrier. The CSI tracker starts over when the antenna ports changed.
func (c *Context) ResetCell(cell model.CellConfig, opts Options) error {
	if cell.Index != c.cell {
		return fmt.Errorf("ue %d: context of cell %d reset for cell %d", c.cfg.Index, c.cell, cell.Index)
	}
	if cell.NofDLPorts != c.ports {
		tracker, err := newTracker(cell, c.cfg, opts)
		if err != nil {
			return err
		}
		c.CSI = tracker
		c.ports = cell.NofDLPorts
	}
	c.HARQ.Reset()
	return nil
}

// HandleFeedback applies HARQ feedback and updates the link adaptation
// offset. A downlink retransmission is cancelled when the channel degraded
// below the CQI or rank the transport block was built for.
func (c *Context) HandleFeedback(dir model.Direction, id model.HARQID, ack bool) (harq.Outcome, error) {
	var p harq.Process
	if dir == model.Downlink {
		p, _ = c.HARQ.Entity(dir).Process(id)
	}
	o, err := c.HARQ.HandleFeedback(dir, id, ack)
	if err != nil {
		return o, err
	}
	c.CSI.HandleHARQFeedback(dir, ack, c.targetBLER)
	return c.maybeCancel(dir, p, o), nil
}

// SlotIndication expires ACK timeouts and reports every resolution to fn.
func (c *Context) SlotIndication(sl model.SlotPoint, fn func(dir model.Direction, p harq.Process, o harq.Outcome)) {
	c.HARQ.SlotIndication(sl, func(dir model.Direction, p harq.Process, o harq.Outcome) {
		c.CSI.HandleHARQFeedback(dir, false, c.targetBLER)
		o = c.maybeCancel(dir, p, o)
		if fn != nil {
			fn(dir, p, o)
		}
	})
}

func (c *Context) maybeCancel(dir model.Direction, p harq.Process, o harq.Outcome) harq.Outcome {
	if o != harq.OutcomeRetx || dir != model.Downlink {
		return o
	}
	if c.CSI.CQI() < p.CQI || c.CSI.RecommendedLayers(model.Downlink) < p.Layers {
		c.HARQ.Entity(dir).Cancel(p.ID)
		return harq.OutcomeExpired
	}
	return o
}

// Apply merges a per-UE input at slot sl. Feedback events return the HARQ
// outcome; every other kind returns harq.OutcomeNone.
func (c *Context) Apply(ev Event, sl model.SlotPoint) (harq.Outcome, error) {
	switch ev.Kind {
	case EventCSI:
		r := ev.CSI
		if !r.Slot.Valid() {
			r.Slot = sl
		}
		return harq.OutcomeNone, c.CSI.UpdateReport(r)
	case EventBSR:
		return harq.OutcomeNone, c.UL.UpdateBufferStatus(ev.Channel, ev.Bytes, sl, ev.HOL)
	case EventDLBuffer:
		return harq.OutcomeNone, c.DL.UpdateBufferStatus(ev.Channel, ev.Bytes, sl, ev.HOL)
	case EventSR:
		c.UL.HandleSR()
		return harq.OutcomeNone, nil
	case EventHARQFeedback:
		return c.HandleFeedback(ev.Dir, ev.HARQ, ev.ACK)
	default:
		return harq.OutcomeNone, fmt.Errorf("ue %d: %s is not a per-ue input", c.cfg.Index, ev.Kind)
	}
}
