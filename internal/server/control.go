package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/scidata-oss/tsagent/internal/cache"
	"github.com/scidata-oss/tsagent/internal/catalog"
)

// jsonCodec is a gRPC wire codec backed by encoding/json instead of
// generated protobuf marshaling, the same substitution the teacher's own
// cmd/server/main.go makes to run gRPC services without a protoc step.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SchemaVersionRequest is empty; the RPC always reports the whole
// catalog's version.
type SchemaVersionRequest struct{}

// SchemaVersionResponse reports the catalog's PRAGMA user_version.
type SchemaVersionResponse struct {
	Version int `json:"version"`
}

// CollectorTickRequest triggers one out-of-band Collector pass.
type CollectorTickRequest struct{}

// CollectorTickResponse is returned after the triggered pass completes.
type CollectorTickResponse struct {
	Error string `json:"error,omitempty"`
}

// ControlServer is the hand-written gRPC service interface behind the
// agent's control plane: schema introspection and an on-demand eviction
// trigger, both otherwise reachable only via the CLI or a cron tick.
type ControlServer interface {
	SchemaVersion(context.Context, *SchemaVersionRequest) (*SchemaVersionResponse, error)
	TriggerCollector(context.Context, *CollectorTickRequest) (*CollectorTickResponse, error)
}

// controlImpl implements ControlServer against a live catalog and
// Collector.
type controlImpl struct {
	cat       *catalog.Catalog
	collector *cache.Collector
}

func (c *controlImpl) SchemaVersion(ctx context.Context, _ *SchemaVersionRequest) (*SchemaVersionResponse, error) {
	v, err := c.cat.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &SchemaVersionResponse{Version: v}, nil
}

func (c *controlImpl) TriggerCollector(ctx context.Context, _ *CollectorTickRequest) (*CollectorTickResponse, error) {
	if err := c.collector.Tick(ctx); err != nil {
		return &CollectorTickResponse{Error: err.Error()}, nil
	}
	return &CollectorTickResponse{}, nil
}

func registerControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "tsagent.CacheControl",
		HandlerType: (*ControlServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "SchemaVersion", Handler: _Control_SchemaVersion_Handler},
			{MethodName: "TriggerCollector", Handler: _Control_TriggerCollector_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "tsagent",
	}, srv)
}

func _Control_SchemaVersion_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SchemaVersionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SchemaVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tsagent.CacheControl/SchemaVersion"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).SchemaVersion(ctx, req.(*SchemaVersionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_TriggerCollector_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CollectorTickRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).TriggerCollector(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tsagent.CacheControl/TriggerCollector"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).TriggerCollector(ctx, req.(*CollectorTickRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ControlPlane wraps a gRPC server exposing ControlServer.
type ControlPlane struct {
	grpcServer *grpc.Server
	addr       string
	logger     *log.Logger
}

// NewControlPlane builds a gRPC control plane bound to addr, backed by cat
// and collector.
func NewControlPlane(addr string, cat *catalog.Catalog, collector *cache.Collector, logger *log.Logger) *ControlPlane {
	gs := grpc.NewServer()
	registerControlServer(gs, &controlImpl{cat: cat, collector: collector})
	return &ControlPlane{grpcServer: gs, addr: addr, logger: logger}
}

// Serve blocks, accepting control-plane RPCs until ctx is canceled.
func (p *ControlPlane) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("control plane listen on %s: %w", p.addr, err)
	}
	go func() {
		<-ctx.Done()
		p.grpcServer.GracefulStop()
	}()
	p.logger.Printf("control plane listening on %s", p.addr)
	if err := p.grpcServer.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}
