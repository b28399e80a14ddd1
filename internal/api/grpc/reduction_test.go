package grpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/shadowqmc/shadowqmc/internal/barrier"
	"github.com/shadowqmc/shadowqmc/internal/manifest"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
)

func newTestClient(t *testing.T) (*ReductionClient, *pipeline.Pipeline) {
	t.Helper()
	dir := t.TempDir()

	local, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	catalog, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	store := shard.NewStore(local, 4)
	stats := observability.NewJobStats(time.Hour)
	b := barrier.New(barrier.Config{PollInterval: 5 * time.Millisecond, MaxAttempts: 2}, store, stats)
	p := pipeline.New(store, catalog, b, stats)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor))
	RegisterReductionServiceServer(srv, NewReductionServer(p))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewReductionClient(conn), p
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return s
}

func shardRequest(t *testing.T, jobID string, index int, real, imag, weights []interface{}) *structpb.Struct {
	return mustStruct(t, map[string]interface{}{
		"job_id":              jobID,
		"shard_index":         index,
		"local_energies_real": real,
		"local_energies_imag": imag,
		"weights":             weights,
	})
}

func TestReductionService_EndToEnd(t *testing.T) {
	client, p := newTestClient(t)
	ctx := context.Background()

	if err := p.RegisterJob(ctx, "job-g", 2, ""); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}

	ctxWithID := metadata.AppendToOutgoingContext(ctx, "x-request-id", "req-42")
	resp, err := client.SubmitShard(ctxWithID, shardRequest(t, "job-g", 0,
		[]interface{}{2.0, 4.0}, []interface{}{0.0, 0.0}, []interface{}{1.0, 3.0}))
	if err != nil {
		t.Fatalf("SubmitShard failed: %v", err)
	}
	if resp.GetFields()["request_id"].GetStringValue() != "req-42" {
		t.Errorf("request_id = %v", resp.GetFields()["request_id"])
	}
	if len(resp.GetFields()["digest"].GetStringValue()) != 32 {
		t.Errorf("digest = %v", resp.GetFields()["digest"])
	}

	if _, err := client.SubmitShard(ctx, shardRequest(t, "job-g", 1,
		[]interface{}{6.0, 0.0}, []interface{}{0.0, 0.0}, []interface{}{1.0, 1.0})); err != nil {
		t.Fatalf("SubmitShard failed: %v", err)
	}

	out, err := client.Reduce(ctx, mustStruct(t, map[string]interface{}{"job_id": "job-g"}))
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	energies := out.GetFields()["energies"].GetListValue().GetValues()
	if len(energies) != 2 || energies[0].GetNumberValue() != 4 || energies[1].GetNumberValue() != 3 {
		t.Errorf("energies = %v", energies)
	}

	st, err := client.JobStatus(ctx, mustStruct(t, map[string]interface{}{"job_id": "job-g"}))
	if err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if !st.GetFields()["reduced"].GetBoolValue() {
		t.Error("job should report reduced")
	}
}

func TestReductionService_ErrorCodes(t *testing.T) {
	client, p := newTestClient(t)
	ctx := context.Background()

	if err := p.RegisterJob(ctx, "job-e", 2, ""); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}
	req := shardRequest(t, "job-e", 0, []interface{}{1.0}, []interface{}{0.0}, []interface{}{1.0})
	if _, err := client.SubmitShard(ctx, req); err != nil {
		t.Fatalf("SubmitShard failed: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"duplicate shard", func() error {
			_, err := client.SubmitShard(ctx, req)
			return err
		}, codes.AlreadyExists},
		{"mismatched lengths", func() error {
			_, err := client.SubmitShard(ctx, shardRequest(t, "job-e", 1,
				[]interface{}{1.0, 2.0}, []interface{}{0.0}, []interface{}{1.0}))
			return err
		}, codes.InvalidArgument},
		{"negative weight", func() error {
			_, err := client.SubmitShard(ctx, shardRequest(t, "job-e", 1,
				[]interface{}{1.0}, []interface{}{0.0}, []interface{}{-1.0}))
			return err
		}, codes.InvalidArgument},
		{"index outside job", func() error {
			_, err := client.SubmitShard(ctx, shardRequest(t, "job-e", 7,
				[]interface{}{1.0}, []interface{}{0.0}, []interface{}{1.0}))
			return err
		}, codes.InvalidArgument},
		{"missing job id", func() error {
			_, err := client.Reduce(ctx, mustStruct(t, map[string]interface{}{}))
			return err
		}, codes.InvalidArgument},
		{"incomplete shards", func() error {
			_, err := client.Reduce(ctx, mustStruct(t, map[string]interface{}{"job_id": "job-e"}))
			return err
		}, codes.FailedPrecondition},
		{"unknown job", func() error {
			_, err := client.JobStatus(ctx, mustStruct(t, map[string]interface{}{"job_id": "ghost"}))
			return err
		}, codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if status.Code(err) != tt.want {
				t.Errorf("code = %s, want %s (%v)", status.Code(err), tt.want, err)
			}
		})
	}
}
