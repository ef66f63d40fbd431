package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	eventService  = "ledgerpay.v1.EventService"
	publishMethod = "/" + eventService + "/Publish"
)

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config.
type GrpcBus struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string) (*GrpcBus, func(), error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { conn.Close() }
	return NewGrpcBus(conn), cleanup, nil
}

func NewGrpcBus(conn *grpc.ClientConn) *GrpcBus {
	return &GrpcBus{conn: conn, timeout: 5 * time.Second}
}

// Publish sends an event to the remote EventService.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	var out EventResponse
	err := b.conn.Invoke(ctx, publishMethod, &EventRequest{Topic: topic, Payload: data}, &out,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("event service refused %s", topic)
	}
	return nil
}

// EventHandler receives events on the serving side of EventService.
type EventHandler func(ctx context.Context, topic string, payload []byte) error

// RegisterEventService serves ledgerpay.v1.EventService/Publish on srv.
func RegisterEventService(srv *grpc.Server, h EventHandler) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: eventService,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Publish",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(EventRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if err := h(ctx, in.Topic, in.Payload); err != nil {
					return &EventResponse{Success: false}, nil
				}
				return &EventResponse{Success: true}, nil
			},
		}},
		Metadata: "ledgerpay/v1/events.proto",
	}, h)
}
