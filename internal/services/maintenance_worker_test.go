package services_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"sentinal-e2ee/internal/services"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeStale(context.Context) (services.PurgeResult, error) {
	p.calls.Add(1)
	return services.PurgeResult{Sessions: 1}, p.err
}

type countingJanitor struct {
	calls  atomic.Int32
	maxAge time.Duration
}

func (j *countingJanitor) CleanupStale(_ context.Context, maxAge time.Duration) ([]uuid.UUID, error) {
	j.calls.Add(1)
	j.maxAge = maxAge
	return []uuid.UUID{uuid.New()}, nil
}

func TestMaintenanceRunOnce(t *testing.T) {
	p := &countingPurger{}
	j := &countingJanitor{}
	w := services.NewMaintenanceWorker(p, j, time.Hour, 2*time.Minute, zap.NewNop())

	w.RunOnce(context.Background())
	assert.EqualValues(t, 1, p.calls.Load())
	assert.EqualValues(t, 1, j.calls.Load())
	assert.Equal(t, 2*time.Minute, j.maxAge)
}

func TestMaintenancePurgeFailureStillCleansPresence(t *testing.T) {
	p := &countingPurger{err: errors.New("db down")}
	j := &countingJanitor{}
	w := services.NewMaintenanceWorker(p, j, time.Hour, 0, nil)

	w.RunOnce(context.Background())
	assert.EqualValues(t, 1, j.calls.Load())
}

func TestMaintenanceRunTicksUntilCancelled(t *testing.T) {
	p := &countingPurger{}
	w := services.NewMaintenanceWorker(p, nil, 10*time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
