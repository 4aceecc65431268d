package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/hedging"
	"github.com/aristath/warden/internal/orchestrator"
	wardentesting "github.com/aristath/warden/internal/testing"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type safeModeSpy struct {
	mu      sync.Mutex
	reasons []string
}

func (s *safeModeSpy) EnterSafeMode(reason string) error {
	s.mu.Lock()
	s.reasons = append(s.reasons, reason)
	s.mu.Unlock()
	return nil
}

func (s *safeModeSpy) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

type fixture struct {
	rec      *recorder
	audit    *audit.Log
	bus      *events.Bus
	manager  *events.Manager
	safeSink *safeModeSpy
	vix      float64
	vixOK    bool
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledgerDB := wardentesting.NewTestLedgerDB(t, "orchestrator")
	auditLog, err := audit.NewLog(ledgerDB, "test-1", zerolog.Nop())
	require.NoError(t, err)
	bus := events.NewBus(zerolog.Nop())
	return &fixture{
		rec:      &recorder{},
		audit:    auditLog,
		bus:      bus,
		manager:  events.NewManager(bus, zerolog.Nop()),
		safeSink: &safeModeSpy{},
		vixOK:    true,
		vix:      15,
	}
}

func (f *fixture) setVIX(v float64) {
	f.mu.Lock()
	f.vix = v
	f.mu.Unlock()
}

func (f *fixture) readVIX() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vix, f.vixOK
}

func (f *fixture) component(name string, probe func() error) orchestrator.Component {
	return orchestrator.Component{
		Name:  name,
		Start: func(context.Context) error { f.rec.add("start:" + name); return nil },
		Stop:  func() { f.rec.add("stop:" + name) },
		Probe: probe,
	}
}

func (f *fixture) orchestrator(t *testing.T, components []orchestrator.Component) *orchestrator.Orchestrator {
	t.Helper()
	doc := wardentesting.NewTestConstitution(t)
	postures := hedging.NewManager(doc, nil, nil, f.audit, f.manager, zerolog.Nop())
	return orchestrator.New(components, f.audit, f.manager, nil, f.safeSink, postures, f.readVIX, zerolog.Nop())
}

func TestStart_OrderAndReverseStop(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, []orchestrator.Component{
		f.component("audit", nil),
		f.component("marketdata", nil),
		f.component("execution", nil),
	})

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, orchestrator.StatusRunning, o.Status())

	o.Stop()
	assert.Equal(t, orchestrator.StatusStopped, o.Status())
	assert.Equal(t, []string{
		"start:audit", "start:marketdata", "start:execution",
		"stop:execution", "stop:marketdata", "stop:audit",
	}, f.rec.get())
}

func TestStart_FailureUnwindsStartedComponents(t *testing.T) {
	f := newFixture(t)
	failing := orchestrator.Component{
		Name:  "execution",
		Start: func(context.Context) error { return errors.New("broker unreachable") },
	}
	o := f.orchestrator(t, []orchestrator.Component{
		f.component("audit", nil),
		f.component("marketdata", nil),
		failing,
	})

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, orchestrator.StatusStopped, o.Status())
	assert.Equal(t, []string{
		"start:audit", "start:marketdata",
		"stop:marketdata", "stop:audit",
	}, f.rec.get())
}

func TestCheckHealth_DegradedBlocksGate(t *testing.T) {
	f := newFixture(t)
	degraded := f.bus.Subscribe(events.ComponentDegraded)

	var failErr error
	var mu sync.Mutex
	probe := func() error {
		mu.Lock()
		defer mu.Unlock()
		return failErr
	}
	o := f.orchestrator(t, []orchestrator.Component{f.component("marketdata", probe)})
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()
	require.NoError(t, o.Gate())

	mu.Lock()
	failErr = errors.New("stale feed")
	mu.Unlock()
	o.CheckHealth()

	assert.Equal(t, orchestrator.StatusDegraded, o.Status())
	err := o.Gate()
	require.Error(t, err)
	assert.Equal(t, domain.ErrRuleViolation, domain.CodeOf(err))
	assert.Equal(t, "stale feed", o.Health()["marketdata"])

	select {
	case ev := <-degraded:
		data := ev.Data.(*events.ComponentDegradedData)
		assert.Equal(t, "marketdata", data.Component)
	case <-time.After(time.Second):
		t.Fatal("expected a ComponentDegraded event")
	}

	// Recovery restores RUNNING and the gate opens.
	mu.Lock()
	failErr = nil
	mu.Unlock()
	o.CheckHealth()
	assert.Equal(t, orchestrator.StatusRunning, o.Status())
	assert.NoError(t, o.Gate())
}

func TestCheckHealth_SustainedFailureEmitsOnce(t *testing.T) {
	f := newFixture(t)
	degraded := f.bus.Subscribe(events.ComponentDegraded)

	probe := func() error { return errors.New("stale feed") }
	o := f.orchestrator(t, []orchestrator.Component{f.component("marketdata", probe)})
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	o.CheckHealth()
	o.CheckHealth()
	o.CheckHealth()

	count := 0
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-degraded:
			count++
		case <-deadline:
			assert.Equal(t, 1, count)
			return
		}
	}
}

func TestWatchPosture_HighVIXParksAccounts(t *testing.T) {
	f := newFixture(t)
	entered := f.bus.Subscribe(events.SafeModeEntered)

	o := f.orchestrator(t, []orchestrator.Component{f.component("marketdata", nil)})
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	f.setVIX(35)
	o.CheckHealth()

	assert.Equal(t, orchestrator.StatusSafeMode, o.Status())
	assert.Equal(t, hedging.PostureSafeMode, o.Posture())
	assert.Equal(t, 1, f.safeSink.calls())
	require.Error(t, o.Gate())

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("expected a SafeModeEntered event")
	}

	// Safe mode is sticky: a calmer print does not clear it.
	f.setVIX(15)
	o.CheckHealth()
	assert.Equal(t, orchestrator.StatusSafeMode, o.Status())
	assert.Equal(t, 1, f.safeSink.calls())

	// Operator resume restores RUNNING.
	o.Resume()
	assert.Equal(t, orchestrator.StatusRunning, o.Status())
	assert.NoError(t, o.Gate())
}
