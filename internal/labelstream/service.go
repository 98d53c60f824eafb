package labelstream

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mindlink/internal/dispatch"
)

const (
	serviceName     = "mindlink.LabelStream"
	subscribeMethod = "/" + serviceName + "/Subscribe"
	pipelineFilter  = "pipeline"
	timestampLayout = time.RFC3339Nano
)

// LabelStreamServer is the server API for the LabelStream service. Requests
// and responses are google.protobuf.Struct messages.
type LabelStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// LabelStreamServiceDesc describes the service for grpc.ServiceRegistrar.
var LabelStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LabelStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mindlink/labelstream.proto",
}

// RegisterLabelStreamServer registers srv on s.
func RegisterLabelStreamServer(s grpc.ServiceRegistrar, srv LabelStreamServer) {
	s.RegisterService(&LabelStreamServiceDesc, srv)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LabelStreamServer).Subscribe(req, stream)
}

type server struct {
	publisher *Publisher
}

func (s *server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	pipeline := req.GetFields()[pipelineFilter].GetStringValue()
	c, err := s.publisher.addClient(pipeline)
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return status.Error(codes.Unavailable, "publisher stopped")
		case pub := <-c.ch:
			msg, err := ToStruct(pub)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// ToStruct encodes a publication as a protobuf Struct.
func ToStruct(p dispatch.Publication) (*structpb.Struct, error) {
	probs := make(map[string]interface{}, len(p.Probabilities))
	for k, v := range p.Probabilities {
		probs[k] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"pipeline":      p.Pipeline,
		"run_id":        p.RunID,
		"window":        float64(p.Window),
		"label":         p.Label,
		"probabilities": probs,
		"end_sample":    float64(p.EndSample),
		"time":          p.Time.UTC().Format(timestampLayout),
	})
}

// FromStruct decodes a Struct produced by ToStruct.
func FromStruct(s *structpb.Struct) (dispatch.Publication, error) {
	f := s.GetFields()
	label, ok := f["label"]
	if !ok {
		return dispatch.Publication{}, fmt.Errorf("label message has no label field")
	}
	p := dispatch.Publication{
		Pipeline:  f["pipeline"].GetStringValue(),
		RunID:     f["run_id"].GetStringValue(),
		Window:    uint64(f["window"].GetNumberValue()),
		Label:     label.GetStringValue(),
		EndSample: int64(f["end_sample"].GetNumberValue()),
	}
	if probs := f["probabilities"].GetStructValue(); probs != nil {
		p.Probabilities = make(map[string]float64, len(probs.GetFields()))
		for k, v := range probs.GetFields() {
			p.Probabilities[k] = v.GetNumberValue()
		}
	}
	if ts := f["time"].GetStringValue(); ts != "" {
		t, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return dispatch.Publication{}, fmt.Errorf("bad time %q: %w", ts, err)
		}
		p.Time = t
	}
	return p, nil
}

// Client subscribes to a remote LabelStream.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Subscription is an open Subscribe stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a stream of publications. An empty pipeline receives
// every pipeline's labels.
func (c *Client) Subscribe(ctx context.Context, pipeline string) (*Subscription, error) {
	stream, err := c.cc.NewStream(ctx, &LabelStreamServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]interface{}{pipelineFilter: pipeline})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next publication.
func (s *Subscription) Recv() (dispatch.Publication, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return dispatch.Publication{}, err
	}
	return FromStruct(msg)
}
