package channel

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event names exchanged over the channel
const (
	EventWork               = "worker:work"
	EventGetStatus          = "worker:get-status"
	EventStatus             = "worker:status"
	EventProcessingAcquired = "worker:processing-acquired"
)

const (
	serviceName = "burrow.worker.v1.ControlChannel"
	connectName = "Connect"
	connectPath = "/" + serviceName + "/" + connectName
)

var connectDesc = grpc.StreamDesc{
	StreamName:    connectName,
	ServerStreams: true,
	ClientStreams: true,
}

// Server is implemented by the coordination side of the channel. It must
// send response headers as soon as it accepts the stream, or reject it
// with codes.Unauthenticated.
type Server interface {
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes the channel service. Messages in both directions
// are google.protobuf.Struct envelopes: {"event": name, "data": {...}}.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    connectName,
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "burrow/worker/v1/channel.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Server).Connect(stream)
}

// RegisterServer registers a channel implementation on a gRPC server
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// Envelope is a decoded channel message
type Envelope struct {
	Event string
	Data  map[string]any
}

// Encode builds the wire message for event. data is any JSON-encodable
// value, or nil.
func Encode(event string, data any) (*structpb.Struct, error) {
	fields := map[string]any{"event": event}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		// structpb only accepts JSON-shaped values.
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		fields["data"] = generic
	}

	return structpb.NewStruct(fields)
}

// Decode reads the event name and payload from a wire message
func Decode(msg *structpb.Struct) Envelope {
	m := msg.AsMap()
	env := Envelope{}
	env.Event, _ = m["event"].(string)
	env.Data, _ = m["data"].(map[string]any)
	return env
}
