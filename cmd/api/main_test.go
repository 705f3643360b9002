package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellnest/marketplace-api/internal/app/bootstrap"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/reconcile"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

func TestSetupMetricsExposesWorkflowCounters(t *testing.T) {
	handler, m := setupMetrics()
	require.NotNil(t, handler)
	require.NotNil(t, m)

	m.ObserveBooking("confirmed")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `wellness_booking_completions_total{outcome="confirmed"} 1`)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestHealthChecksOnlyIncludeConfiguredDependencies(t *testing.T) {
	assert.Empty(t, healthChecks(nil, nil, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	checks := healthChecks(nil, client, nil)
	require.Contains(t, checks, "redis")
	assert.NoError(t, checks["redis"](context.Background()))

	mr.Close()
	assert.Error(t, checks["redis"](context.Background()))
}

func TestAdminRefundsRequiresAlertStore(t *testing.T) {
	assert.Nil(t, adminRefunds(&bootstrap.Services{}, logging.New("error")))
}

type nopInserter struct{}

func (nopInserter) Insert(context.Context, *appointments.Appointment) error { return nil }

func TestInlineWorkerOnlyForMemoryQueue(t *testing.T) {
	logger := logging.New("error")
	queue := reconcile.NewMemoryQueue(1)
	defer queue.Close()
	worker := reconcile.NewWorker(queue, nopInserter{}, payments.NewFakeGateway(logger), logger).WithReceive(1, 1, 1)

	assert.Nil(t, startInlineWorker(context.Background(), nil, worker, logger))

	ctx, cancel := context.WithCancel(context.Background())
	started := startInlineWorker(ctx, queue, worker, logger)
	require.NotNil(t, started)

	cancel()
	done := make(chan struct{})
	go func() {
		waitForInlineWorker(started, logger)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("inline worker did not stop")
	}
}
