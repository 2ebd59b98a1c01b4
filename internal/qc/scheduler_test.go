package qc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int32
	sets  chan string
}

func (r *countingRunner) Run(_ context.Context, set string) (*RunSummary, error) {
	r.calls.Add(1)
	select {
	case r.sets <- set:
	default:
	}
	if r.calls.Load() == 2 {
		return nil, ErrRunInProgress
	}
	return &RunSummary{RecordSet: set}, nil
}

func TestScheduler_RunsImmediatelyThenOnTick(t *testing.T) {
	runner := &countingRunner{sets: make(chan string, 1)}
	s := &Scheduler{Runner: runner, RecordSet: "visit1", Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Equal(t, "visit1", <-runner.sets)
	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestScheduler_DisabledWithoutInterval(t *testing.T) {
	runner := &countingRunner{sets: make(chan string, 1)}
	(&Scheduler{Runner: runner}).Run(context.Background())
	assert.Zero(t, runner.calls.Load())
}
