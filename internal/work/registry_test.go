package work

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/atr"
	wardentesting "github.com/aristath/warden/internal/testing"
)

func TestByPriority_OrdersHighestFirst(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Type{ID: "b", Priority: PriorityLow})
	reg.Register(&Type{ID: "a", Priority: PriorityLow})
	reg.Register(&Type{ID: "c", Priority: PriorityCritical})

	ids := make([]string, 0, 3)
	for _, wt := range reg.ByPriority() {
		ids = append(ids, wt.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestDue_RespectsIntervalAndCompletion(t *testing.T) {
	reg := NewRegistry()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	reg.Register(&Type{ID: "periodic", Interval: 5 * time.Minute})
	reg.Register(&Type{ID: "on_demand"})

	due := reg.Due(now)
	require.Len(t, due, 1)
	assert.Equal(t, "periodic", due[0].ID)

	reg.MarkComplete("periodic", now)
	assert.Empty(t, reg.Due(now.Add(time.Minute)))
	assert.Len(t, reg.Due(now.Add(5*time.Minute)), 1)
}

type recordingATR struct {
	requests []atr.Request
}

func (r *recordingATR) Compute(_ context.Context, req atr.Request) (atr.Value, error) {
	r.requests = append(r.requests, req)
	return atr.Value{Symbol: req.Symbol, Value: 2.5}, nil
}

func TestRegisterATRRefresh_CoversUniverse(t *testing.T) {
	doc := wardentesting.NewTestConstitution(t)
	reg := NewRegistry()
	computer := &recordingATR{}
	RegisterATRRefresh(reg, doc, computer)

	wt := reg.Get("atr_refresh")
	require.NotNil(t, wt)
	require.NoError(t, wt.Run(context.Background()))

	symbols := make([]string, 0, len(computer.requests))
	for _, req := range computer.requests {
		symbols = append(symbols, req.Symbol)
		assert.Equal(t, doc.Protocol().ATRPeriod, req.Period)
		assert.Equal(t, atr.Method(doc.Protocol().ATRMethod), req.Method)
	}
	assert.Equal(t, doc.Universe(), symbols)
}
