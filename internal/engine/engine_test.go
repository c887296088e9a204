package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQuarantineManager_L1Only(t *testing.T) {
	ctx := context.Background()
	m := NewQuarantineManager(nil, zap.NewNop())
	require.NoError(t, m.Init(ctx, []string{"a", "b"}))

	assert.True(t, m.IsQuarantined("a"))
	assert.False(t, m.IsQuarantined("c"))

	require.NoError(t, m.Quarantine(ctx, "c"))
	assert.True(t, m.IsQuarantined("c"))
	assert.Equal(t, 3, m.Count())

	// Без Redis Start возвращается сразу
	done := make(chan struct{})
	go func() { m.Start(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start without redis must not block")
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		payload string
		id      string
		on      bool
		ok      bool
	}{
		{"rec-1:on", "rec-1", true, true},
		{"rec-1:true", "rec-1", true, true},
		{"rec-1:off", "rec-1", false, true},
		{"ns:rec:on", "ns:rec", true, true},
		{"rec-1", "", false, false},
		{":on", "", false, false},
		{"rec-1:", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			id, on, ok := parseSignal(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.on, on)
		})
	}
}

func TestTracingMiddleware(t *testing.T) {
	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "trace-42")
	h.ServeHTTP(rr, req)
	assert.Equal(t, "trace-42", seen)
	assert.Equal(t, "trace-42", rr.Header().Get("X-Trace-ID"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rr.Header().Get("X-Trace-ID"))
	assert.Equal(t, rr.Header().Get("X-Trace-ID"), seen)

	assert.Equal(t, "00000000-0000-0000-0000-000000000000", TraceID(context.Background()))
}

func TestReliabilityWrapper_RetriesTransientErrors(t *testing.T) {
	w := NewReliabilityWrapper(ReliabilityConfig{Name: "peer", Attempts: 3, CallTimeout: time.Second}, NewMetrics(nil))
	var calls int32
	got, err := Call(context.Background(), w, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", &ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("busy")}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestReliabilityWrapper_PermanentErrorIsNotRetried(t *testing.T) {
	w := NewReliabilityWrapper(ReliabilityConfig{Name: "peer", Attempts: 5}, nil)
	var calls int32
	_, err := Call(context.Background(), w, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("denied: %w", ErrPermanent)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermanent))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordsValidated.WithLabelValues("VALIDATED").Inc()
	m.ValidationBacklog.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "trustvault_records_validated_total")
	assert.Contains(t, names, "trustvault_validation_backlog")
}
