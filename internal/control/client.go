package control

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/grant"
)

// Client calls the control service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// WithProcedureID tags outgoing calls made with the returned context.
func WithProcedureID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, procedureIDMetadataKey, id)
}

func method(name string) string { return "/" + ServiceName + "/" + name }

func (c *Client) invokeDoc(ctx context.Context, name string, fields map[string]any, out any) error {
	doc, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, method(name), doc, out)
}

// AddUE creates a UE; fields follow the ues entries of the YAML
// configuration. It returns the procedure id.
func (c *Client) AddUE(ctx context.Context, fields map[string]any) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invokeDoc(ctx, "AddUE", fields, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// UpdateUE replaces a UE configuration.
func (c *Client) UpdateUE(ctx context.Context, fields map[string]any) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invokeDoc(ctx, "UpdateUE", fields, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// RemoveUE deletes a UE.
func (c *Client) RemoveUE(ctx context.Context, ue uint16) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, method("RemoveUE"), wrapperspb.UInt32(uint32(ue)), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// ReportCQI sends a wideband CQI and rank.
func (c *Client) ReportCQI(ctx context.Context, cell uint8, ue uint16, cqi, ri uint8) error {
	return c.invokeDoc(ctx, "ReportCSI", map[string]any{"cell": cell, "ue": ue, "cqi": cqi, "ri": ri}, new(emptypb.Empty))
}

// ReportCSI sends an arbitrary CSI document (see CSIRequest).
func (c *Client) ReportCSI(ctx context.Context, fields map[string]any) error {
	return c.invokeDoc(ctx, "ReportCSI", fields, new(emptypb.Empty))
}

// ReportBuffer sends a DL buffer update ("dl", LCID) or an UL BSR ("ul",
// LCG).
func (c *Client) ReportBuffer(ctx context.Context, cell uint8, ue uint16, dir string, channel uint8, bytes uint32) error {
	return c.invokeDoc(ctx, "ReportBuffer", map[string]any{
		"cell": cell, "ue": ue, "dir": dir, "channel": channel, "bytes": bytes,
	}, new(emptypb.Empty))
}

// ReportSR sends a scheduling request.
func (c *Client) ReportSR(ctx context.Context, cell uint8, ue uint16) error {
	return c.invokeDoc(ctx, "ReportSR", map[string]any{"cell": cell, "ue": ue}, new(emptypb.Empty))
}

// ReportHARQ sends HARQ feedback.
func (c *Client) ReportHARQ(ctx context.Context, cell uint8, ue uint16, dir string, harq uint8, ack bool) error {
	return c.invokeDoc(ctx, "ReportHARQ", map[string]any{
		"cell": cell, "ue": ue, "dir": dir, "harq": harq, "ack": ack,
	}, new(emptypb.Empty))
}

// Snapshot returns the debug view of a cell as a generic document.
func (c *Client) Snapshot(ctx context.Context, cell uint8) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("GetSnapshot"), wrapperspb.UInt32(uint32(cell)), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// StreamResults calls fn for every slot result of cell (all cells when
// negative) until fn returns false, ctx ends or the server closes the
// stream.
func (c *Client) StreamResults(ctx context.Context, cell int32, fn func(grant.Result) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	desc := &ServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, method(desc.StreamName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.Int32(cell)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		res, err := grant.Decode(msg.GetValue())
		if err != nil {
			return err
		}
		if !fn(res) {
			return nil
		}
	}
}
