package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShutdown_ClosersRunInReverse(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"catalog", "grpc", "http"} {
		sm.RegisterCloser(name, CloserFunc(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}))
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"http", "grpc", "catalog"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 2 * time.Second})

	done, err := sm.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		done()
	}()

	start := time.Now()
	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Shutdown returned before in-flight work ended")
	}
	if sm.InFlight() != 0 {
		t.Errorf("in flight = %d, want 0", sm.InFlight())
	}
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 50 * time.Millisecond})
	if _, err := sm.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	closed := false
	sm.RegisterCloser("store", CloserFunc(func() error {
		closed = true
		return nil
	}))

	err := sm.Shutdown(context.Background(), "test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want drain deadline", err)
	}
	if !closed {
		t.Error("closers should run even when the drain times out")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	calls := 0
	sm.RegisterCloser("x", CloserFunc(func() error {
		calls++
		return errors.New("boom")
	}))

	first := sm.Shutdown(context.Background(), "one")
	second := sm.Shutdown(context.Background(), "two")
	if calls != 1 {
		t.Errorf("closer called %d times, want 1", calls)
	}
	if first == nil || first != second {
		t.Errorf("second Shutdown should return the first result, got %v and %v", first, second)
	}
	if _, err := sm.Begin(); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Begin after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestHTTPMiddleware_RejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	h := sm.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}

	sm.Shutdown(context.Background(), "test")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestUnaryInterceptor_RejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/shadowqmc.v1.ReductionService/Reduce"}

	resp, err := sm.UnaryInterceptor(context.Background(), nil, info, handler)
	if err != nil || resp != "ok" {
		t.Fatalf("interceptor = %v, %v", resp, err)
	}

	sm.Shutdown(context.Background(), "test")

	_, err = sm.UnaryInterceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", status.Code(err))
	}
}
