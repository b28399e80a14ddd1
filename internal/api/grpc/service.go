// Package grpc exposes the shard pipeline over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON fields as the stored
// records, so the service is registered from a hand-written descriptor.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "shadowqmc.v1.ReductionService"

const (
	submitShardMethod = "/" + ServiceName + "/SubmitShard"
	reduceMethod      = "/" + ServiceName + "/Reduce"
	jobStatusMethod   = "/" + ServiceName + "/JobStatus"
)

// ReductionServiceServer is the server API of the reduction service.
type ReductionServiceServer interface {
	// SubmitShard stores one shard record.
	SubmitShard(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// Reduce waits for all shards of a job and writes the aggregate.
	Reduce(context.Context, *structpb.Struct) (*structpb.Struct, error)

	// JobStatus reports present and missing shards of a job.
	JobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterReductionServiceServer registers srv on s.
func RegisterReductionServiceServer(s grpc.ServiceRegistrar, srv ReductionServiceServer) {
	s.RegisterService(&ReductionServiceDesc, srv)
}

// ReductionServiceDesc describes the reduction service for grpc.Server.
var ReductionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReductionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitShard", Handler: unaryHandler(submitShardMethod, ReductionServiceServer.SubmitShard)},
		{MethodName: "Reduce", Handler: unaryHandler(reduceMethod, ReductionServiceServer.Reduce)},
		{MethodName: "JobStatus", Handler: unaryHandler(jobStatusMethod, ReductionServiceServer.JobStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shadowqmc/v1/reduction.proto",
}

type unaryMethod func(ReductionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts a service method to the grpc.MethodDesc handler shape.
func unaryHandler(fullMethod string, call unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReductionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ReductionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ReductionClient is a client of the reduction service.
type ReductionClient struct {
	cc grpc.ClientConnInterface
}

// NewReductionClient creates a client over cc.
func NewReductionClient(cc grpc.ClientConnInterface) *ReductionClient {
	return &ReductionClient{cc: cc}
}

// SubmitShard calls ReductionService.SubmitShard.
func (c *ReductionClient) SubmitShard(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitShardMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Reduce calls ReductionService.Reduce.
func (c *ReductionClient) Reduce(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, reduceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// JobStatus calls ReductionService.JobStatus.
func (c *ReductionClient) JobStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, jobStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
