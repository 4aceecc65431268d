package work

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/domain"
)

func newProcessor(t *testing.T, marketOpen bool) (*Processor, *Registry) {
	t.Helper()
	reg := NewRegistry()
	p := NewProcessor(reg, nil, func(time.Time) bool { return marketOpen }, zerolog.Nop())
	p.SetTimeout(time.Second)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, reg
}

func TestEnqueue_RunsRegisteredType(t *testing.T) {
	p, reg := newProcessor(t, true)
	var runs atomic.Int32
	reg.Register(&Type{ID: "task", Priority: PriorityMedium, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	require.NoError(t, p.Enqueue("task"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.LastCompleted("task").IsZero())
}

func TestEnqueue_UnknownType(t *testing.T) {
	p, _ := newProcessor(t, true)
	err := p.Enqueue("missing")
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.CodeOf(err))
}

func TestEnqueue_CollapsesDuplicates(t *testing.T) {
	reg := NewRegistry()
	p := NewProcessor(reg, nil, nil, zerolog.Nop())
	reg.Register(&Type{ID: "task", Run: func(context.Context) error { return nil }})

	// Not started: items accumulate so the dedup is observable.
	require.NoError(t, p.Enqueue("task"))
	require.NoError(t, p.Enqueue("task"))
	assert.Equal(t, 1, p.QueueDepth())
}

func TestExecute_RetriesThenGivesUp(t *testing.T) {
	p, reg := newProcessor(t, true)
	var runs atomic.Int32
	reg.Register(&Type{ID: "flaky", Run: func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}})

	require.NoError(t, p.Enqueue("flaky"))
	require.Eventually(t, func() bool { return runs.Load() == MaxAttempts }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(MaxAttempts), runs.Load())
	assert.True(t, reg.LastCompleted("flaky").IsZero())
}

func TestTiming_MarketClosedTaskWaitsForClose(t *testing.T) {
	p, reg := newProcessor(t, true)
	var runs atomic.Int32
	reg.Register(&Type{ID: "maintenance", Timing: MarketClosed, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	require.NoError(t, p.Enqueue("maintenance"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())
	assert.Equal(t, 1, p.QueueDepth())
}

func TestPriority_CriticalRunsFirst(t *testing.T) {
	reg := NewRegistry()
	p := NewProcessor(reg, nil, nil, zerolog.Nop())
	p.SetTimeout(time.Second)

	var order []string
	done := make(chan struct{})
	reg.Register(&Type{ID: "low", Priority: PriorityLow, Run: func(context.Context) error {
		order = append(order, "low")
		close(done)
		return nil
	}})
	reg.Register(&Type{ID: "critical", Priority: PriorityCritical, Run: func(context.Context) error {
		order = append(order, "critical")
		return nil
	}})

	// Queue both before the loop starts so the pick is deterministic.
	require.NoError(t, p.Enqueue("low"))
	require.NoError(t, p.Enqueue("critical"))
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("work never drained")
	}
	assert.Equal(t, []string{"critical", "low"}, order)
}

func TestExecute_TimeoutCancelsRun(t *testing.T) {
	p, reg := newProcessor(t, true)
	p.SetTimeout(20 * time.Millisecond)

	timedOut := make(chan struct{})
	reg.Register(&Type{ID: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		select {
		case <-timedOut:
		default:
			close(timedOut)
		}
		return ctx.Err()
	}})

	require.NoError(t, p.Enqueue("slow"))
	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("run was never cancelled")
	}
}
