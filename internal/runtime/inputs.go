package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/kb"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// AddUE stores cfg and creates the UE on every hosted serving cell at the
// next slot boundary. It returns the procedure id used in logs and traces.
func (r *Runtime) AddUE(ctx context.Context, cfg model.UEConfig) (string, error) {
	ctx, id := logging.EnsureProcedureID(ctx)
	ctx, span := r.startSpan(ctx, "ue.add", id, cfg.Index)
	defer span.End()
	if err := r.KB.AddUE(cfg, id); err != nil {
		return id, spanError(span, err)
	}
	r.log.Info(ctx, "ue add requested", logging.UE(cfg.Index), logging.RNTI(cfg.RNTI))
	return id, nil
}

// UpdateUE replaces the configuration of an existing UE.
func (r *Runtime) UpdateUE(ctx context.Context, cfg model.UEConfig) (string, error) {
	ctx, id := logging.EnsureProcedureID(ctx)
	ctx, span := r.startSpan(ctx, "ue.update", id, cfg.Index)
	defer span.End()
	if err := r.KB.UpdateUE(cfg, id); err != nil {
		return id, spanError(span, err)
	}
	r.log.Info(ctx, "ue update requested", logging.UE(cfg.Index))
	return id, nil
}

// RemoveUE deletes a UE. Each serving cell stops scheduling it at its next
// slot boundary and frees the context at the boundary after that; HARQ
// processes still in flight are dropped.
func (r *Runtime) RemoveUE(ctx context.Context, idx model.UEIndex) (string, error) {
	ctx, id := logging.EnsureProcedureID(ctx)
	ctx, span := r.startSpan(ctx, "ue.remove", id, idx)
	defer span.End()
	if err := r.KB.RemoveUE(idx, id); err != nil {
		return id, spanError(span, err)
	}
	r.log.Info(ctx, "ue removal requested", logging.UE(idx))
	return id, nil
}

func (r *Runtime) startSpan(ctx context.Context, name, procedureID string, idx model.UEIndex) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("procedure_id", procedureID),
		attribute.Int("ue", int(idx)),
	))
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// onKBEvent translates committed configuration changes into cell inputs.
func (r *Runtime) onKBEvent(ev kb.Event) {
	ctx := context.Background()
	if ev.ProcedureID != "" {
		ctx = logging.ContextWithProcedureID(ctx, ev.ProcedureID)
	}
	var errs []error
	push := func(c model.CellIndex, e ue.Event) {
		w, ok := r.worker(c)
		if !ok {
			return
		}
		e.ProcedureID = ev.ProcedureID
		if err := w.sched.Push(e); err != nil {
			errs = append(errs, err)
		}
	}
	switch ev.Type {
	case kb.EventCellUpdated:
		r.onCellUpdated(ctx, ev.Cell)
		return
	case kb.EventCellRemoved:
		r.onCellRemoved(ctx, ev.Cell.Index)
		return
	case kb.EventUEAdded:
		cfg := ev.UE
		for _, c := range cfg.Cells {
			push(c, ue.Event{Kind: ue.EventAddUE, UE: cfg.Index, Config: &cfg})
		}
	case kb.EventUEUpdated:
		cfg := ev.UE
		for _, c := range cfg.Cells {
			kind := ue.EventAddUE
			if slices.Contains(ev.Previous.Cells, c) {
				kind = ue.EventReconfigureUE
			}
			push(c, ue.Event{Kind: kind, UE: cfg.Index, Config: &cfg})
		}
		for _, c := range ev.Previous.Cells {
			if !slices.Contains(cfg.Cells, c) {
				push(c, ue.Event{Kind: ue.EventRemoveUE, UE: cfg.Index})
			}
		}
	case kb.EventUERemoved:
		for _, c := range ev.Previous.Cells {
			push(c, ue.Event{Kind: ue.EventRemoveUE, UE: ev.Previous.Index})
		}
	default:
		return
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Error(ctx, "ue procedure not delivered", logging.String("event", ev.Type.String()), logging.Err(err))
	}
}

// onCellUpdated reconfigures a hosted cell at its next slot boundary, or
// starts hosting a new one with the settings of the first configured cell.
func (r *Runtime) onCellUpdated(ctx context.Context, c model.CellConfig) {
	if w, ok := r.worker(c.Index); ok {
		if err := w.sched.Reconfigure(c); err != nil {
			r.log.Error(ctx, "cell reconfiguration rejected", logging.Cell(c.Index), logging.Err(err))
			return
		}
		r.log.Info(ctx, "cell reconfiguration staged", logging.Cell(c.Index))
		return
	}

	cc := r.cfg.Cells[0]
	cc.Cell = c
	cc.PolicyParams.SlotDuration = c.SlotDuration()
	cc.AckTimeoutSlots = max(cc.AckTimeoutSlots, int(max(c.K1, c.K2))+4)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.cellMu.Lock()
	defer r.cellMu.Unlock()
	if _, ok := r.workers[c.Index]; ok {
		return
	}
	w, err := r.newWorker(cc)
	if err != nil {
		r.log.Error(ctx, "cell not hosted", logging.Cell(c.Index), logging.Err(err))
		return
	}
	r.Publisher.ResetCell(c.Index)
	r.workers[c.Index] = w
	r.order = append(r.order, c.Index)
	slices.Sort(r.order)
	if r.running {
		r.launch(r.ctx, w)
	}
	r.log.Info(ctx, "cell added", logging.Cell(c.Index), logging.Int("nof_rbs", int(c.NofRBs)))
}

// onCellRemoved stops hosting idx. Its goroutine finishes the slots already
// handed to it and exits.
func (r *Runtime) onCellRemoved(ctx context.Context, idx model.CellIndex) {
	r.cellMu.Lock()
	w, ok := r.workers[idx]
	if !ok {
		r.cellMu.Unlock()
		return
	}
	delete(r.workers, idx)
	r.order = slices.DeleteFunc(r.order, func(c model.CellIndex) bool { return c == idx })
	w.close()
	r.cellMu.Unlock()

	r.Publisher.ResetCell(idx)
	r.log.Info(ctx, "cell removed", logging.Cell(idx))
}

func (r *Runtime) push(c model.CellIndex, ev ue.Event) error {
	w, ok := r.worker(c)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCell, c)
	}
	return w.sched.Push(ev)
}

// ReportCSI queues a CSI report of idx on cell c.
func (r *Runtime) ReportCSI(c model.CellIndex, idx model.UEIndex, rep csi.Report) error {
	return r.push(c, ue.Event{Kind: ue.EventCSI, UE: idx, CSI: rep})
}

// ReportDLBuffer queues a downlink RLC buffer update for lcid. hol is the
// arrival slot of the oldest SDU, zero when unknown.
func (r *Runtime) ReportDLBuffer(c model.CellIndex, idx model.UEIndex, lcid uint8, bytes uint32, hol model.SlotPoint) error {
	return r.push(c, ue.Event{Kind: ue.EventDLBuffer, UE: idx, Channel: lcid, Bytes: bytes, HOL: hol})
}

// ReportBSR queues an uplink buffer status report for lcg.
func (r *Runtime) ReportBSR(c model.CellIndex, idx model.UEIndex, lcg uint8, bytes uint32) error {
	return r.push(c, ue.Event{Kind: ue.EventBSR, UE: idx, Channel: lcg, Bytes: bytes})
}

// ReportSR queues a scheduling request.
func (r *Runtime) ReportSR(c model.CellIndex, idx model.UEIndex) error {
	return r.push(c, ue.Event{Kind: ue.EventSR, UE: idx})
}

// ReportHARQ queues ACK/NACK feedback for one HARQ process.
func (r *Runtime) ReportHARQ(c model.CellIndex, idx model.UEIndex, dir model.Direction, id model.HARQID, ack bool) error {
	return r.push(c, ue.Event{Kind: ue.EventHARQFeedback, UE: idx, Dir: dir, HARQ: id, ACK: ack})
}
