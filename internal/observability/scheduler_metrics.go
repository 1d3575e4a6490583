package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// Capacity resources reported by IncCapacityExhausted.
const (
	ResourcePDCCH = "pdcch"
	ResourceGrid  = "grid"
	ResourceHARQ  = "harq"
	ResourceSlot  = "slot_cap"
)

// SchedulerCollector exposes per-cell slot scheduling metrics. Every method
// is safe on a nil receiver so components can run without metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	SlotLatency        *prometheus.HistogramVec
	MissedDeadlines    *prometheus.CounterVec
	SkippedSlots       *prometheus.CounterVec
	Grants             *prometheus.CounterVec
	ScheduledBytes     *prometheus.CounterVec
	HARQExpiries       *prometheus.CounterVec
	RadioLinkFailures  *prometheus.CounterVec
	CSIRejections      *prometheus.CounterVec
	QueueDrops         *prometheus.CounterVec
	CapacityExhausted  *prometheus.CounterVec
	PDCCHCacheHitRatio *prometheus.GaugeVec
	CCEUtilisation     *prometheus.GaugeVec
	GridOccupancy      *prometheus.GaugeVec
	ActiveUEs          *prometheus.GaugeVec
}

// NewSchedulerCollector registers scheduler metrics against reg, defaulting
// to the global registry when nil.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	reg, gatherer := resolve(reg)
	c := &SchedulerCollector{gatherer: gatherer}

	var err error
	if c.SlotLatency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ransched_slot_processing_seconds",
		Help:    "Wall time spent deciding one slot.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005},
	}, []string{"cell"}), "ransched_slot_processing_seconds"); err != nil {
		return nil, err
	}
	counters := []struct {
		dst    **prometheus.CounterVec
		name   string
		help   string
		labels []string
	}{
		{&c.MissedDeadlines, "ransched_missed_deadlines_total", "Slot results discarded because they were late.", []string{"cell"}},
		{&c.SkippedSlots, "ransched_skipped_slots_total", "Slot indications dropped because the cell goroutine was still busy.", []string{"cell"}},
		{&c.Grants, "ransched_grants_total", "Published grants by kind.", []string{"cell", "kind"}},
		{&c.ScheduledBytes, "ransched_scheduled_bytes_total", "Transport block bytes of published new transmissions.", []string{"cell", "dir"}},
		{&c.HARQExpiries, "ransched_harq_expiries_total", "Transport blocks dropped after exhausting retransmissions.", []string{"cell", "dir"}},
		{&c.RadioLinkFailures, "ransched_radio_link_failures_total", "Radio link failures reported after consecutive HARQ failures.", []string{"cell", "dir"}},
		{&c.CSIRejections, "ransched_csi_rejections_total", "Channel state reports rejected as invalid.", []string{"cell"}},
		{&c.QueueDrops, "ransched_queue_drops_total", "Inputs refused because the cell queue was full.", []string{"cell"}},
		{&c.CapacityExhausted, "ransched_capacity_exhausted_total", "Candidates skipped for lack of a resource.", []string{"cell", "resource"}},
	}
	for _, spec := range counters {
		vec, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Name: spec.name, Help: spec.help}, spec.labels), spec.name)
		if err != nil {
			return nil, err
		}
		*spec.dst = vec
	}
	if c.PDCCHCacheHitRatio, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ransched_pdcch_cache_hit_ratio",
		Help: "Hit ratio of the PDCCH candidate cache.",
	}, []string{"cell"}), "ransched_pdcch_cache_hit_ratio"); err != nil {
		return nil, err
	}
	if c.CCEUtilisation, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ransched_pdcch_cce_utilisation",
		Help: "Share of CORESET CCEs used in the last downlink slot.",
	}, []string{"cell"}), "ransched_pdcch_cce_utilisation"); err != nil {
		return nil, err
	}
	if c.GridOccupancy, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ransched_grid_occupancy",
		Help: "Share of symbol-RB pairs reserved in the last published slot.",
	}, []string{"cell", "dir"}), "ransched_grid_occupancy"); err != nil {
		return nil, err
	}
	if c.ActiveUEs, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ransched_active_ues",
		Help: "UEs scheduled by the cell.",
	}, []string{"cell"}), "ransched_active_ues"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func cellLabel(cell model.CellIndex) string { return strconv.Itoa(int(cell)) }

// ObserveSlot records the processing time of one slot.
func (c *SchedulerCollector) ObserveSlot(cell model.CellIndex, d time.Duration) {
	if c == nil {
		return
	}
	c.SlotLatency.WithLabelValues(cellLabel(cell)).Observe(d.Seconds())
}

func (c *SchedulerCollector) IncMissedDeadline(cell model.CellIndex) {
	if c == nil {
		return
	}
	c.MissedDeadlines.WithLabelValues(cellLabel(cell)).Inc()
}

func (c *SchedulerCollector) IncSkippedSlot(cell model.CellIndex) {
	if c == nil {
		return
	}
	c.SkippedSlots.WithLabelValues(cellLabel(cell)).Inc()
}

// AddGrants counts n published grants of kind.
func (c *SchedulerCollector) AddGrants(cell model.CellIndex, kind model.GrantKind, n int) {
	if c == nil || n == 0 {
		return
	}
	c.Grants.WithLabelValues(cellLabel(cell), kind.String()).Add(float64(n))
}

func (c *SchedulerCollector) AddScheduledBytes(cell model.CellIndex, dir model.Direction, bytes uint64) {
	if c == nil || bytes == 0 {
		return
	}
	c.ScheduledBytes.WithLabelValues(cellLabel(cell), dir.String()).Add(float64(bytes))
}

func (c *SchedulerCollector) IncHARQExpiry(cell model.CellIndex, dir model.Direction) {
	if c == nil {
		return
	}
	c.HARQExpiries.WithLabelValues(cellLabel(cell), dir.String()).Inc()
}

func (c *SchedulerCollector) IncRadioLinkFailure(cell model.CellIndex, dir model.Direction) {
	if c == nil {
		return
	}
	c.RadioLinkFailures.WithLabelValues(cellLabel(cell), dir.String()).Inc()
}

func (c *SchedulerCollector) IncCSIRejection(cell model.CellIndex) {
	if c == nil {
		return
	}
	c.CSIRejections.WithLabelValues(cellLabel(cell)).Inc()
}

func (c *SchedulerCollector) IncQueueDrop(cell model.CellIndex) {
	if c == nil {
		return
	}
	c.QueueDrops.WithLabelValues(cellLabel(cell)).Inc()
}

// IncCapacityExhausted counts a candidate skipped for lack of resource.
func (c *SchedulerCollector) IncCapacityExhausted(cell model.CellIndex, resource string) {
	if c == nil {
		return
	}
	c.CapacityExhausted.WithLabelValues(cellLabel(cell), resource).Inc()
}

// SetPDCCHHitRatio sets the candidate cache hit ratio, clamped to [0,1].
func (c *SchedulerCollector) SetPDCCHHitRatio(cell model.CellIndex, ratio float64) {
	if c == nil {
		return
	}
	c.PDCCHCacheHitRatio.WithLabelValues(cellLabel(cell)).Set(min(max(ratio, 0), 1))
}

func (c *SchedulerCollector) SetActiveUEs(cell model.CellIndex, n int) {
	if c == nil {
		return
	}
	c.ActiveUEs.WithLabelValues(cellLabel(cell)).Set(float64(n))
}

// SetCCEUtilisation sets the share of CCEs used, clamped to [0,1].
func (c *SchedulerCollector) SetCCEUtilisation(cell model.CellIndex, ratio float64) {
	if c == nil {
		return
	}
	c.CCEUtilisation.WithLabelValues(cellLabel(cell)).Set(min(max(ratio, 0), 1))
}

func (c *SchedulerCollector) SetGridOccupancy(cell model.CellIndex, dir model.Direction, ratio float64) {
	if c == nil {
		return
	}
	c.GridOccupancy.WithLabelValues(cellLabel(cell), dir.String()).Set(ratio)
}
