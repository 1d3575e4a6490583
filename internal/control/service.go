// Package control is the gRPC surface through which upper layers manage UEs
// and feed channel state, buffer status and HARQ feedback to the cells.
// Requests travel as google.protobuf.Struct documents; slot results are
// streamed in the compact grant encoding.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/ran-scheduler/internal/config"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
	"github.com/signalsfoundry/ran-scheduler/internal/runtime"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/cell"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/csi"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "ransched.control.v1.Control"

// Scheduler is the part of the runtime the control service drives.
type Scheduler interface {
	AddUE(ctx context.Context, cfg model.UEConfig) (string, error)
	UpdateUE(ctx context.Context, cfg model.UEConfig) (string, error)
	RemoveUE(ctx context.Context, idx model.UEIndex) (string, error)

	ReportCSI(c model.CellIndex, idx model.UEIndex, rep csi.Report) error
	ReportDLBuffer(c model.CellIndex, idx model.UEIndex, lcid uint8, bytes uint32, hol model.SlotPoint) error
	ReportBSR(c model.CellIndex, idx model.UEIndex, lcg uint8, bytes uint32) error
	ReportSR(c model.CellIndex, idx model.UEIndex) error
	ReportHARQ(c model.CellIndex, idx model.UEIndex, dir model.Direction, id model.HARQID, ack bool) error

	Snapshot(c model.CellIndex) (*cell.Snapshot, bool)
}

// CSIRequest reports channel state of one UE on one cell. Absent optional
// fields leave the stored value untouched.
type CSIRequest struct {
	Cell      uint8    `yaml:"cell"`
	UE        uint16   `yaml:"ue"`
	CQI       *uint8   `yaml:"cqi,omitempty"`
	RI        uint8    `yaml:"ri,omitempty"`
	PMI       *uint16  `yaml:"pmi,omitempty"`
	PUSCHSINR *float64 `yaml:"pusch_sinr,omitempty"`
}

// BufferRequest is a downlink RLC buffer update (dir "dl", channel is the
// LCID) or an uplink BSR (dir "ul", channel is the LCG).
type BufferRequest struct {
	Cell    uint8  `yaml:"cell"`
	UE      uint16 `yaml:"ue"`
	Dir     string `yaml:"dir"`
	Channel uint8  `yaml:"channel"`
	Bytes   uint32 `yaml:"bytes"`
}

// SRRequest is a scheduling request.
type SRRequest struct {
	Cell uint8  `yaml:"cell"`
	UE   uint16 `yaml:"ue"`
}

// HARQRequest is ACK/NACK feedback for one HARQ process.
type HARQRequest struct {
	Cell uint8  `yaml:"cell"`
	UE   uint16 `yaml:"ue"`
	Dir  string `yaml:"dir"`
	HARQ uint8  `yaml:"harq"`
	ACK  bool   `yaml:"ack"`
}

// Service implements the control RPCs on top of a Scheduler.
type Service struct {
	sched     Scheduler
	publisher *grant.Publisher
	log       logging.Logger
	// streamBuffer is the per-stream result backlog before drops.
	streamBuffer int
}

// NewService returns a Service. Results are streamed from publisher; a nil
// publisher disables StreamResults.
func NewService(sched Scheduler, publisher *grant.Publisher, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{sched: sched, publisher: publisher, log: log, streamBuffer: 256}
}

// SetStreamBuffer sets how many results a slow StreamResults client may
// fall behind before results are dropped.
func (s *Service) SetStreamBuffer(n int) {
	if n > 0 {
		s.streamBuffer = n
	}
}

// decode converts a Struct document into dst, rejecting unknown fields.
func decode(doc *structpb.Struct, dst any) error {
	if doc == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidArgument)
	}
	raw, err := protojson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func parseDir(s string) (model.Direction, error) {
	switch s {
	case "dl":
		return model.Downlink, nil
	case "ul":
		return model.Uplink, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidArgument, s)
	}
}

func ueIndex(v uint16) (model.UEIndex, error) {
	if v >= model.MaxUEs {
		return 0, fmt.Errorf("%w: ue index %d", ErrInvalidArgument, v)
	}
	return model.UEIndex(v), nil
}

func (s *Service) ueConfig(doc *structpb.Struct) (model.UEConfig, error) {
	var u config.UEConfig
	if err := decode(doc, &u); err != nil {
		return model.UEConfig{}, err
	}
	m := u.Model()
	if err := m.Validate(); err != nil {
		return model.UEConfig{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return m, nil
}

// AddUE creates a UE from a configuration document and returns the
// procedure id.
func (s *Service) AddUE(ctx context.Context, doc *structpb.Struct) (*wrapperspb.StringValue, error) {
	cfg, err := s.ueConfig(doc)
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := s.sched.AddUE(ctx, cfg)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.String(id), nil
}

// UpdateUE replaces a UE configuration.
func (s *Service) UpdateUE(ctx context.Context, doc *structpb.Struct) (*wrapperspb.StringValue, error) {
	cfg, err := s.ueConfig(doc)
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := s.sched.UpdateUE(ctx, cfg)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.String(id), nil
}

// RemoveUE deletes a UE.
func (s *Service) RemoveUE(ctx context.Context, req *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error) {
	if req.GetValue() > math.MaxUint16 {
		return nil, ToStatusError(fmt.Errorf("%w: ue index %d", ErrInvalidArgument, req.GetValue()))
	}
	idx, err := ueIndex(uint16(req.GetValue()))
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := s.sched.RemoveUE(ctx, idx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return wrapperspb.String(id), nil
}

// ReportCSI forwards a CSI report.
func (s *Service) ReportCSI(_ context.Context, doc *structpb.Struct) (*emptypb.Empty, error) {
	var req CSIRequest
	if err := decode(doc, &req); err != nil {
		return nil, ToStatusError(err)
	}
	idx, err := ueIndex(req.UE)
	if err != nil {
		return nil, ToStatusError(err)
	}
	rep := csi.Report{RI: req.RI}
	if req.CQI != nil {
		rep.HasCQI, rep.CQI = true, *req.CQI
	}
	if req.PMI != nil {
		rep.HasPMI, rep.PMI = true, *req.PMI
	}
	if req.PUSCHSINR != nil {
		rep.HasPUSCHSINR, rep.PUSCHSINR = true, *req.PUSCHSINR
	}
	if err := s.sched.ReportCSI(model.CellIndex(req.Cell), idx, rep); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// ReportBuffer forwards a DL buffer update or an UL BSR.
func (s *Service) ReportBuffer(_ context.Context, doc *structpb.Struct) (*emptypb.Empty, error) {
	var req BufferRequest
	if err := decode(doc, &req); err != nil {
		return nil, ToStatusError(err)
	}
	idx, err := ueIndex(req.UE)
	if err != nil {
		return nil, ToStatusError(err)
	}
	dir, err := parseDir(req.Dir)
	if err != nil {
		return nil, ToStatusError(err)
	}
	c := model.CellIndex(req.Cell)
	if dir == model.Downlink {
		err = s.sched.ReportDLBuffer(c, idx, req.Channel, req.Bytes, model.SlotPoint{})
	} else {
		err = s.sched.ReportBSR(c, idx, req.Channel, req.Bytes)
	}
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// ReportSR forwards a scheduling request.
func (s *Service) ReportSR(_ context.Context, doc *structpb.Struct) (*emptypb.Empty, error) {
	var req SRRequest
	if err := decode(doc, &req); err != nil {
		return nil, ToStatusError(err)
	}
	idx, err := ueIndex(req.UE)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.sched.ReportSR(model.CellIndex(req.Cell), idx); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// ReportHARQ forwards HARQ feedback.
func (s *Service) ReportHARQ(_ context.Context, doc *structpb.Struct) (*emptypb.Empty, error) {
	var req HARQRequest
	if err := decode(doc, &req); err != nil {
		return nil, ToStatusError(err)
	}
	idx, err := ueIndex(req.UE)
	if err != nil {
		return nil, ToStatusError(err)
	}
	dir, err := parseDir(req.Dir)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.sched.ReportHARQ(model.CellIndex(req.Cell), idx, dir, model.HARQID(req.HARQ), req.ACK); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// GetSnapshot returns the debug view of one cell.
func (s *Service) GetSnapshot(_ context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	if req.GetValue() >= model.MaxCells {
		return nil, ToStatusError(fmt.Errorf("%w: cell index %d", ErrInvalidArgument, req.GetValue()))
	}
	snap, ok := s.sched.Snapshot(model.CellIndex(req.GetValue()))
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: cell %d", runtime.ErrUnknownCell, req.GetValue()))
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// StreamResults sends every published slot result of the requested cell,
// or of all cells when the request is negative, until the client leaves. A
// slow client loses results instead of delaying the cells.
func (s *Service) StreamResults(req *wrapperspb.Int32Value, stream grpc.ServerStream) error {
	if s.publisher == nil {
		return ToStatusError(errors.New("result streaming not configured"))
	}
	filter := req.GetValue()
	sink := grant.NewChannelSink(s.streamBuffer)
	unsubscribe := s.publisher.Subscribe(sink)
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			if d := sink.Dropped(); d > 0 {
				s.log.Warn(ctx, "result stream lagged", logging.Uint64("dropped", d))
			}
			return nil
		case res := <-sink.C():
			if filter >= 0 && int32(res.Cell) != filter {
				continue
			}
			if err := stream.SendMsg(wrapperspb.Bytes(grant.Encode(res))); err != nil {
				return err
			}
		}
	}
}
