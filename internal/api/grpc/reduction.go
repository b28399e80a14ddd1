package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// ReductionServer implements ReductionServiceServer over a pipeline.
type ReductionServer struct {
	pipeline *pipeline.Pipeline
}

// NewReductionServer creates a new gRPC reduction server.
func NewReductionServer(p *pipeline.Pipeline) *ReductionServer {
	return &ReductionServer{pipeline: p}
}

// SubmitShard stores the shard record carried in the request. The request
// uses the stored record's fields: job_id, shard_index,
// local_energies_real, local_energies_imag, weights.
func (s *ReductionServer) SubmitShard(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	data, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	var rec types.ShardRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		if qerrors.GetCategory(err) != "" {
			return nil, statusFromError(err)
		}
		return nil, status.Errorf(codes.InvalidArgument, "invalid shard record: %v", err)
	}
	if rec.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	if rec.Index < 0 {
		return nil, status.Error(codes.InvalidArgument, "shard_index is required")
	}

	digest, err := s.pipeline.SubmitShard(ctx, &rec)
	if err != nil {
		return nil, statusFromError(err)
	}

	return structpb.NewStruct(map[string]interface{}{
		"job_id":      rec.JobID,
		"shard_index": rec.Index,
		"digest":      digest,
		"request_id":  requestID,
	})
}

// Reduce runs the barrier and reducer for job_id. shards is optional when
// the job is registered in the catalog.
func (s *ReductionServer) Reduce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	jobID, k, err := jobArgs(req)
	if err != nil {
		return nil, err
	}

	result, diag, err := s.pipeline.Reduce(ctx, jobID, k)
	if err != nil {
		return nil, statusFromError(err)
	}

	return toStruct(map[string]interface{}{
		"job_id":      jobID,
		"energies":    result.Energies,
		"diagnostics": diag,
		"request_id":  requestID,
	})
}

// JobStatus reports the shards present and missing for job_id.
func (s *ReductionServer) JobStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	jobID, k, err := jobArgs(req)
	if err != nil {
		return nil, err
	}

	st, err := s.pipeline.Status(ctx, jobID, k)
	if err != nil {
		return nil, statusFromError(err)
	}

	resp := map[string]interface{}{
		"job_id":     st.JobID,
		"expected":   st.Expected,
		"present":    nonNil(st.Present),
		"missing":    nonNil(st.Missing),
		"reduced":    st.Reduced,
		"request_id": requestID,
	}
	if st.Aggregate != nil {
		resp["energies"] = st.Aggregate.Energies
	}
	return toStruct(resp)
}

// jobArgs reads job_id and the optional shards count from req.
func jobArgs(req *structpb.Struct) (string, int, error) {
	fields := req.GetFields()
	jobID := fields["job_id"].GetStringValue()
	if jobID == "" {
		return "", 0, status.Error(codes.InvalidArgument, "job_id is required")
	}
	k := 0
	if v, ok := fields["shards"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != float64(int(n)) {
			return "", 0, status.Errorf(codes.InvalidArgument, "shards must be a non-negative integer, got %v", n)
		}
		k = int(n)
	}
	return jobID, k, nil
}

// toStruct converts v to a Struct through its JSON form, so typed slices
// and structs with json tags are accepted.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func nonNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

// statusFromError maps pipeline error categories to gRPC status codes.
func statusFromError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, qerrors.ErrIncompleteShards) {
			return status.FromContextError(err).Err()
		}
	}

	code := codes.Internal
	switch qerrors.GetCategory(err) {
	case qerrors.ErrCategoryEncoding:
		code = codes.InvalidArgument
	case qerrors.ErrCategoryValidation:
		switch qerrors.GetCode(err) {
		case qerrors.CodeDuplicateShard, qerrors.CodeAggregateExists:
			code = codes.AlreadyExists
		default:
			code = codes.InvalidArgument
		}
	case qerrors.ErrCategoryBarrier:
		code = codes.FailedPrecondition
	case qerrors.ErrCategoryStorage:
		if qerrors.GetCode(err) == qerrors.CodeObjectNotFound {
			code = codes.NotFound
		} else {
			code = codes.Unavailable
		}
	case qerrors.ErrCategoryManifest:
		if qerrors.GetCode(err) == qerrors.CodeJobNotFound {
			code = codes.NotFound
		}
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor assigns a request ID when the caller sent none and logs
// every unary call with its outcome.
func LoggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	if len(md.Get("x-request-id")) == 0 {
		md.Set("x-request-id", uuid.New().String())
	}
	ctx = metadata.NewIncomingContext(ctx, md)

	start := time.Now()
	resp, err := handler(ctx, req)
	log.Printf("grpc: %s request_id=%s code=%s duration=%s",
		info.FullMethod, extractRequestID(ctx), status.Code(err), time.Since(start))
	return resp, err
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

var _ ReductionServiceServer = (*ReductionServer)(nil)
