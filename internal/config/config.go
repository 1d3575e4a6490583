// Package config loads the scheduler configuration file. Values are decoded
// from YAML over the defaults, then selected RANSCHED_* environment variables
// override them; command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/ran-scheduler/internal/observability"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/policy"
	"github.com/signalsfoundry/ran-scheduler/model"
	"github.com/signalsfoundry/ran-scheduler/timectrl"
)

// Config is the root of the configuration file.
type Config struct {
	Logging   LoggingConfig               `yaml:"logging"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Admin     AdminConfig                 `yaml:"admin"`
	Control   ControlConfig               `yaml:"control"`
	Journal   JournalConfig               `yaml:"journal"`
	Runtime   RuntimeConfig               `yaml:"runtime"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Emulator  EmulatorConfig              `yaml:"emulator"`

	Cells []CellConfig `yaml:"cells"`
	UEs   []UEConfig   `yaml:"ues"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig configures the HTTP endpoint serving metrics and debug views.
// An empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// ControlConfig configures the gRPC control service. An empty Listen
// disables it.
type ControlConfig struct {
	Listen string `yaml:"listen"`
	// GrantBuffer is the per-stream queue of slot results.
	GrantBuffer int `yaml:"grant_buffer"`
}

// JournalConfig configures the sqlite diagnostics journal. An empty Path
// disables it.
type JournalConfig struct {
	Path          string        `yaml:"path"`
	Buffer        int           `yaml:"buffer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type RuntimeConfig struct {
	// Mode is realtime or accelerated.
	Mode string `yaml:"mode"`
	// CPUs pins cell goroutines round-robin to these CPUs (linux only).
	CPUs []int `yaml:"cpus"`
	// SlotBuffer is the number of pending slot indications per cell.
	SlotBuffer int `yaml:"slot_buffer"`
}

type OLLAConfig struct {
	Enabled     bool    `yaml:"enabled"`
	StepDB      float64 `yaml:"step_db"`
	MaxOffsetDB float64 `yaml:"max_offset_db"`
}

// SchedulerConfig holds the settings shared by every cell scheduler.
type SchedulerConfig struct {
	Policy           policy.Kind   `yaml:"policy"`
	TimeQoS          policy.Params `yaml:"time_qos"`
	RingDepth        int           `yaml:"ring_depth"`
	AckTimeoutSlots  int           `yaml:"ack_timeout_slots"`
	TargetBLER       float64       `yaml:"target_bler"`
	DeadlineFraction float64       `yaml:"deadline_fraction"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	DMRSPerPRB       int           `yaml:"dmrs_per_prb"`
	OverheadPerPRB   int           `yaml:"overhead_per_prb"`
	InitialCQI       uint8         `yaml:"initial_cqi"`
	OLLA             OLLAConfig    `yaml:"olla"`
}

type SymbolRange struct {
	Start uint8 `yaml:"start"`
	Stop  uint8 `yaml:"stop"`
}

type TDDConfig struct {
	PeriodSlots int `yaml:"period_slots"`
	DLSlots     int `yaml:"dl_slots"`
	ULSlots     int `yaml:"ul_slots"`
}

type CoresetConfig struct {
	ID              uint8   `yaml:"id"`
	RBStart         uint16  `yaml:"rb_start"`
	NofRBs          uint16  `yaml:"rbs"`
	Duration        uint8   `yaml:"duration"`
	Interleaved     bool    `yaml:"interleaved"`
	REGBundleSize   uint8   `yaml:"reg_bundle_size"`
	InterleaverSize uint8   `yaml:"interleaver_size"`
	ShiftIndex      *uint16 `yaml:"shift_index"`
}

type SearchSpaceConfig struct {
	ID      uint8  `yaml:"id"`
	Coreset uint8  `yaml:"coreset"`
	Type    string `yaml:"type"` // common | ue
	// Candidates per aggregation level 1, 2, 4, 8 and 16.
	Candidates []uint8 `yaml:"candidates"`
}

type CellConfig struct {
	Index            uint8               `yaml:"index"`
	PCI              uint16              `yaml:"pci"`
	Numerology       uint8               `yaml:"numerology"`
	BandwidthRBs     uint16              `yaml:"bandwidth_rbs"`
	TDD              *TDDConfig          `yaml:"tdd"`
	Coresets         []CoresetConfig     `yaml:"coresets"`
	SearchSpaces     []SearchSpaceConfig `yaml:"search_spaces"`
	PDSCHSymbols     SymbolRange         `yaml:"pdsch_symbols"`
	PUSCHSymbols     SymbolRange         `yaml:"pusch_symbols"`
	K1               uint8               `yaml:"k1"`
	K2               uint8               `yaml:"k2"`
	DLPorts          uint8               `yaml:"dl_ports"`
	MaxPDSCHsPerSlot int                 `yaml:"max_pdschs_per_slot"`
	MaxPUSCHsPerSlot int                 `yaml:"max_puschs_per_slot"`
}

type LogicalChannelConfig struct {
	LCID     uint8         `yaml:"lcid"`
	LCG      uint8         `yaml:"lcg"`
	Priority uint8         `yaml:"priority"`
	PDB      time.Duration `yaml:"pdb"`
	GBRBps   uint64        `yaml:"gbr_bps"`
}

type UEConfig struct {
	Index           uint16                 `yaml:"index"`
	RNTI            uint16                 `yaml:"rnti"`
	Cells           []uint8                `yaml:"cells"`
	DLLayers        uint8                  `yaml:"dl_layers"`
	ULLayers        uint8                  `yaml:"ul_layers"`
	DLHARQs         uint8                  `yaml:"dl_harqs"`
	ULHARQs         uint8                  `yaml:"ul_harqs"`
	MaxDLRetx       uint8                  `yaml:"max_dl_retx"`
	MaxULRetx       uint8                  `yaml:"max_ul_retx"`
	MaxDLKOs        uint16                 `yaml:"max_dl_kos"`
	MaxULKOs        uint16                 `yaml:"max_ul_kos"`
	SearchSpace     uint8                  `yaml:"search_space"`
	LogicalChannels []LogicalChannelConfig `yaml:"logical_channels"`
}

// EmulatorConfig drives the radio environment used by `ransched simulate`.
type EmulatorConfig struct {
	Seed           uint64      `yaml:"seed"`
	CarrierGHz     float64     `yaml:"carrier_ghz"`
	TxPowerDBm     float64     `yaml:"tx_power_dbm"`
	AntennaGainDBi float64     `yaml:"antenna_gain_dbi"`
	NoiseFigureDB  *float64    `yaml:"noise_figure_db"`
	PathLossExp    float64     `yaml:"path_loss_exponent"`
	ShadowingDB    float64     `yaml:"shadowing_db"`
	CSIPeriodSlots int         `yaml:"csi_period_slots"`
	Profiles       []UEProfile `yaml:"profiles"`
}

// UEProfile places a UE and describes its offered load.
type UEProfile struct {
	UE        uint16     `yaml:"ue"`
	Position  [2]float64 `yaml:"position_m"`
	Velocity  [2]float64 `yaml:"velocity_mps"`
	DLRateBps float64    `yaml:"dl_rate_bps"`
	ULRateBps float64    `yaml:"ul_rate_bps"`
}

// Default returns a configuration without cells or UEs.
func Default() Config {
	params := policy.DefaultParams()
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
		Control: ControlConfig{GrantBuffer: 256},
		Journal: JournalConfig{Buffer: 1024, FlushInterval: time.Second},
		Runtime: RuntimeConfig{Mode: timectrl.RealTime.String(), SlotBuffer: 4},
		Scheduler: SchedulerConfig{
			Policy:           policy.KindTimeQoS,
			TimeQoS:          params,
			RingDepth:        16,
			TargetBLER:       0.1,
			DeadlineFraction: 0.5,
			QueueCapacity:    4096,
			DMRSPerPRB:       12,
			InitialCQI:       3,
			OLLA:             OLLAConfig{Enabled: true, StepDB: 0.5, MaxOffsetDB: 10},
		},
		Emulator: EmulatorConfig{
			Seed:           1,
			CarrierGHz:     3.5,
			TxPowerDBm:     43,
			PathLossExp:    3.5,
			CSIPeriodSlots: 20,
		},
	}
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Tracing = observability.ApplyTracingEnv(cfg.Tracing)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Parse is Decode over a byte slice.
func Parse(data []byte) (Config, error) {
	return Decode(bytes.NewReader(data))
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ApplyEnv overrides fields from RANSCHED_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("RANSCHED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("RANSCHED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := getenv("RANSCHED_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if v := getenv("RANSCHED_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := getenv("RANSCHED_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := getenv("RANSCHED_CLOCK_MODE"); v != "" {
		c.Runtime.Mode = v
	}
	if v := getenv("RANSCHED_POLICY"); v != "" {
		if k, err := policy.ParseKind(v); err == nil {
			c.Scheduler.Policy = k
		}
	}
	if v := getenv("RANSCHED_DEADLINE_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scheduler.DeadlineFraction = f
		}
	}
}

// ClockMode returns the parsed runtime mode.
func (c Config) ClockMode() (timectrl.Mode, error) {
	return timectrl.ParseMode(c.Runtime.Mode)
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.ClockMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Runtime.SlotBuffer <= 0 {
		errs = append(errs, errors.New("runtime.slot_buffer must be positive"))
	}
	if c.Journal.Path != "" && c.Journal.Buffer <= 0 {
		errs = append(errs, errors.New("journal.buffer must be positive"))
	}
	if c.Control.Listen != "" && c.Control.GrantBuffer <= 0 {
		errs = append(errs, errors.New("control.grant_buffer must be positive"))
	}
	if len(c.Cells) == 0 {
		errs = append(errs, errors.New("no cells configured"))
	}

	cells, err := c.CellConfigs()
	if err != nil {
		errs = append(errs, err)
	}
	known := make(map[model.CellIndex]model.CellConfig, len(cells))
	for _, mc := range cells {
		if _, dup := known[mc.Index]; dup {
			errs = append(errs, fmt.Errorf("cell %d defined twice", mc.Index))
		}
		known[mc.Index] = mc
		if err := c.SchedulerFor(mc).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler for cell %d: %w", mc.Index, err))
		}
	}

	seenUE := make(map[model.UEIndex]bool, len(c.UEs))
	seenRNTI := make(map[model.RNTI]model.UEIndex, len(c.UEs))
	for _, u := range c.UEConfigs() {
		if err := u.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ue %d: %w", u.Index, err))
		}
		if seenUE[u.Index] {
			errs = append(errs, fmt.Errorf("ue %d defined twice", u.Index))
		}
		seenUE[u.Index] = true
		if other, dup := seenRNTI[u.RNTI]; dup {
			errs = append(errs, fmt.Errorf("ue %d: rnti %#x already used by ue %d", u.Index, u.RNTI, other))
		}
		seenRNTI[u.RNTI] = u.Index
		for _, ci := range u.Cells {
			mc, ok := known[ci]
			if !ok {
				errs = append(errs, fmt.Errorf("ue %d: unknown cell %d", u.Index, ci))
				continue
			}
			if _, ok := mc.SearchSpace(u.SearchSpace); !ok {
				errs = append(errs, fmt.Errorf("ue %d: cell %d has no search space %d", u.Index, ci, u.SearchSpace))
			}
		}
	}
	for _, p := range c.Emulator.Profiles {
		if !seenUE[model.UEIndex(p.UE)] {
			errs = append(errs, fmt.Errorf("emulator profile for unknown ue %d", p.UE))
		}
	}
	return errors.Join(errs...)
}

// CellConfigs converts the cell section.
func (c Config) CellConfigs() ([]model.CellConfig, error) {
	out := make([]model.CellConfig, 0, len(c.Cells))
	var errs []error
	for _, cc := range c.Cells {
		mc, err := cc.Model()
		if err != nil {
			errs = append(errs, fmt.Errorf("cell %d: %w", cc.Index, err))
			continue
		}
		out = append(out, mc)
	}
	return out, errors.Join(errs...)
}

// UEConfigs converts the UE section.
func (c Config) UEConfigs() []model.UEConfig {
	out := make([]model.UEConfig, 0, len(c.UEs))
	for _, u := range c.UEs {
		out = append(out, u.Model())
	}
	return out
}

// SchedulerFor builds the cell scheduler configuration for mc.
func (c Config) SchedulerFor(mc model.CellConfig) cell.Config {
	s := c.Scheduler
	cfg := cell.DefaultConfig(mc)
	cfg.Policy = s.Policy
	cfg.PolicyParams = s.TimeQoS
	cfg.PolicyParams.SlotDuration = mc.SlotDuration()
	if s.RingDepth > 0 {
		cfg.RingDepth = s.RingDepth
	}
	if s.AckTimeoutSlots > 0 {
		cfg.AckTimeoutSlots = s.AckTimeoutSlots
	}
	cfg.TargetBLER = s.TargetBLER
	cfg.DeadlineFraction = s.DeadlineFraction
	cfg.QueueCapacity = s.QueueCapacity
	cfg.DMRSPerPRB = s.DMRSPerPRB
	cfg.OverheadPerPRB = s.OverheadPerPRB
	if s.InitialCQI > 0 {
		cfg.CSI.InitialCQI = s.InitialCQI
	}
	cfg.CSI.NofDLPorts = mc.NofDLPorts
	cfg.CSI.OLLA.Enabled = s.OLLA.Enabled
	cfg.CSI.OLLA.StepDB = s.OLLA.StepDB
	cfg.CSI.OLLA.MaxOffsetDB = s.OLLA.MaxOffsetDB
	return cfg
}

// Model converts the cell section entry.
func (cc CellConfig) Model() (model.CellConfig, error) {
	mc := model.CellConfig{
		Index:            model.CellIndex(cc.Index),
		PCI:              cc.PCI,
		Numerology:       cc.Numerology,
		NofRBs:           cc.BandwidthRBs,
		PDSCHSymbols:     model.SymbolInterval{Start: cc.PDSCHSymbols.Start, Stop: cc.PDSCHSymbols.Stop},
		PUSCHSymbols:     model.SymbolInterval{Start: cc.PUSCHSymbols.Start, Stop: cc.PUSCHSymbols.Stop},
		K1:               cc.K1,
		K2:               cc.K2,
		NofDLPorts:       max(cc.DLPorts, 1),
		MaxPDSCHsPerSlot: cc.MaxPDSCHsPerSlot,
		MaxPUSCHsPerSlot: cc.MaxPUSCHsPerSlot,
	}
	if cc.TDD != nil {
		mc.TDD = &model.TDDPattern{PeriodSlots: cc.TDD.PeriodSlots, DLSlots: cc.TDD.DLSlots, ULSlots: cc.TDD.ULSlots}
	}
	for _, cs := range cc.Coresets {
		mc.Coresets = append(mc.Coresets, model.CoresetConfig{
			ID:              cs.ID,
			RBStart:         cs.RBStart,
			NofRBs:          cs.NofRBs,
			Duration:        cs.Duration,
			Interleaved:     cs.Interleaved,
			REGBundleSize:   cs.REGBundleSize,
			InterleaverSize: cs.InterleaverSize,
			ShiftIndex:      cs.ShiftIndex,
		})
	}
	for _, ss := range cc.SearchSpaces {
		typ, err := parseSearchSpaceType(ss.Type)
		if err != nil {
			return model.CellConfig{}, fmt.Errorf("search space %d: %w", ss.ID, err)
		}
		if len(ss.Candidates) > model.NofAggregationLevels {
			return model.CellConfig{}, fmt.Errorf("search space %d: %d candidate levels, at most %d", ss.ID, len(ss.Candidates), model.NofAggregationLevels)
		}
		m := model.SearchSpaceConfig{ID: ss.ID, CoresetID: ss.Coreset, Type: typ}
		copy(m.Candidates[:], ss.Candidates)
		mc.SearchSpaces = append(mc.SearchSpaces, m)
	}
	return mc, nil
}

func parseSearchSpaceType(s string) (model.SearchSpaceType, error) {
	switch strings.ToLower(s) {
	case "", "ue", "ue_specific":
		return model.SearchSpaceUESpecific, nil
	case "common":
		return model.SearchSpaceCommon, nil
	default:
		return 0, fmt.Errorf("unknown search space type %q", s)
	}
}

// Model converts the UE section entry. Zero HARQ and KO limits take the
// usual defaults.
func (u UEConfig) Model() model.UEConfig {
	m := model.UEConfig{
		Index:               model.UEIndex(u.Index),
		RNTI:                model.RNTI(u.RNTI),
		MaxDLLayers:         orDefault(u.DLLayers, 1),
		MaxULLayers:         orDefault(u.ULLayers, 1),
		NofDLHARQs:          orDefault(u.DLHARQs, 8),
		NofULHARQs:          orDefault(u.ULHARQs, 8),
		MaxDLRetx:           orDefault(u.MaxDLRetx, 4),
		MaxULRetx:           orDefault(u.MaxULRetx, 4),
		MaxConsecutiveDLKOs: orDefault(u.MaxDLKOs, 100),
		MaxConsecutiveULKOs: orDefault(u.MaxULKOs, 100),
		SearchSpace:         u.SearchSpace,
	}
	for _, c := range u.Cells {
		m.Cells = append(m.Cells, model.CellIndex(c))
	}
	for _, lc := range u.LogicalChannels {
		m.LogicalChannels = append(m.LogicalChannels, model.LogicalChannelConfig{
			LCID:              model.LCID(lc.LCID),
			LCG:               lc.LCG,
			Priority:          lc.Priority,
			PacketDelayBudget: lc.PDB,
			GBR:               lc.GBRBps,
		})
	}
	return m
}

func orDefault[T uint8 | uint16](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}
